package core

import "testing"

func TestEventEncodeDecodeRoundTrip(t *testing.T) {
	pk, err := NewPrimaryKey()
	if err != nil {
		t.Fatalf("NewPrimaryKey: %v", err)
	}
	body := []byte("hello world")
	h := Hash(body)
	e := &Event{
		Meta: []Meta{
			MetaData{Key: pk},
			MetaType{TypeName: "greeting"},
			MetaTimestamp{MillisSinceEpoch: 1000},
		},
		DataHash: &h,
		Body:     body,
	}

	for _, format := range []BodyFormat{FormatJSON, FormatMessagePack} {
		segment, err := EncodeSegmentEvent(format, e)
		if err != nil {
			t.Fatalf("EncodeSegmentEvent(%v): %v", format, err)
		}
		got, err := DecodeSegmentEvent(format, segment)
		if err != nil {
			t.Fatalf("DecodeSegmentEvent(%v): %v", format, err)
		}
		gotKey, ok := GetDataKey(got.Meta)
		if !ok || gotKey != pk {
			t.Fatalf("round trip lost the primary key: got %v ok=%v want %v", gotKey, ok, pk)
		}
		if string(got.Body) != string(body) {
			t.Fatalf("round trip lost the body: got %q want %q", got.Body, body)
		}
		tn, ok := GetType(got.Meta)
		if !ok || tn != "greeting" {
			t.Fatalf("round trip lost the type name: got %q ok=%v", tn, ok)
		}
	}
}

func TestMetaHashStableAcrossReencoding(t *testing.T) {
	pk, err := NewPrimaryKey()
	if err != nil {
		t.Fatalf("NewPrimaryKey: %v", err)
	}
	e := &Event{Meta: []Meta{MetaData{Key: pk}, MetaTimestamp{MillisSinceEpoch: 42}}}
	h1, err := e.MetaHash(FormatMessagePack)
	if err != nil {
		t.Fatalf("MetaHash: %v", err)
	}
	segment, err := EncodeSegmentEvent(FormatMessagePack, e)
	if err != nil {
		t.Fatalf("EncodeSegmentEvent: %v", err)
	}
	decoded, err := DecodeSegmentEvent(FormatMessagePack, segment)
	if err != nil {
		t.Fatalf("DecodeSegmentEvent: %v", err)
	}
	h2, err := decoded.MetaHash(FormatMessagePack)
	if err != nil {
		t.Fatalf("MetaHash (decoded): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("MetaHash changed across a segment encode/decode round trip: %x != %x", h1, h2)
	}
}
