package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// BodyFormat selects the configurable outer serialization used for event
// bodies and headers, per spec.md §6's log_format.meta/log_format.data.
type BodyFormat uint8

const (
	FormatJSON BodyFormat = iota
	FormatMessagePack
	// FormatBincode is named by the spec but has no idiomatic Go
	// equivalent; MessagePack is used in its place for the binary slot
	// and JSON for the textual one.
)

// Encode serializes v using format.
func Encode(format BodyFormat, v interface{}) ([]byte, error) {
	switch format {
	case FormatJSON:
		b, err := json.Marshal(v)
		return b, wrapKind(KindSerialization, "encode json", err)
	case FormatMessagePack:
		b, err := msgpack.Marshal(v)
		return b, wrapKind(KindSerialization, "encode msgpack", err)
	default:
		return nil, wrapKind(KindSerialization, "encode", fmt.Errorf("unknown format %d", format))
	}
}

// Decode deserializes raw into v using format.
func Decode(format BodyFormat, raw []byte, v interface{}) error {
	switch format {
	case FormatJSON:
		return wrapKind(KindSerialization, "decode json", json.Unmarshal(raw, v))
	case FormatMessagePack:
		return wrapKind(KindSerialization, "decode msgpack", msgpack.Unmarshal(raw, v))
	default:
		return wrapKind(KindSerialization, "decode", fmt.Errorf("unknown format %d", format))
	}
}

// Event is the atomic unit persisted in the redo log.
type Event struct {
	Meta     []Meta
	DataHash *AteHash // absent for meta-only events
	Body     []byte   // opaque; present only when DataHash is set
}

// MetaHash digests the canonical encoding of e's metadata, stored in the
// header so a loader can verify the body independently once fetched.
func (e *Event) MetaHash(format BodyFormat) (AteHash, error) {
	enc, err := EncodeMeta(format, e.Meta)
	if err != nil {
		return AteHash{}, err
	}
	return Hash(enc), nil
}

// metaRecord is the length-prefixed wire shape of one Meta entry: a kind
// byte followed by the format-encoded payload, so unknown future kinds can
// be skipped whole by an older reader instead of failing to parse.
type metaRecord struct {
	Kind    MetaKind
	Payload []byte
}

// EncodeMeta serializes an ordered metadata slice to its wire form.
func EncodeMeta(format BodyFormat, meta []Meta) ([]byte, error) {
	recs := make([]metaRecord, 0, len(meta))
	for _, m := range meta {
		payload, err := Encode(format, m)
		if err != nil {
			return nil, err
		}
		recs = append(recs, metaRecord{Kind: m.Kind(), Payload: payload})
	}
	return Encode(format, recs)
}

// DecodeMeta parses the wire form produced by EncodeMeta back into typed
// Meta values, skipping any record whose kind this build does not
// recognize so old readers tolerate new metadata kinds.
func DecodeMeta(format BodyFormat, raw []byte) ([]Meta, error) {
	var recs []metaRecord
	if err := Decode(format, raw, &recs); err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(recs))
	for _, r := range recs {
		m, ok, err := decodeMetaPayload(format, r.Kind, r.Payload)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func decodeMetaPayload(format BodyFormat, kind MetaKind, payload []byte) (Meta, bool, error) {
	var err error
	switch kind {
	case MetaKindData:
		var v MetaData
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindTombstone:
		var v MetaTombstone
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindParent:
		var v MetaParent
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindAuthorization:
		var v MetaAuthorization
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindConfidentiality:
		var v MetaConfidentiality
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindSignature:
		var v MetaSignature
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindPublicKey:
		var v MetaPublicKey
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindEncryptedPrivateKey:
		var v MetaEncryptedPrivateKey
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindTimestamp:
		var v MetaTimestamp
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindEntropy:
		var v MetaEntropy
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindType:
		var v MetaType
		err = Decode(format, payload, &v)
		return v, true, err
	case MetaKindReply:
		var v MetaReply
		err = Decode(format, payload, &v)
		return v, true, err
	default:
		// Unknown kind: tolerate it for forward compatibility.
		return nil, false, nil
	}
}

//---------------------------------------------------------------------
// On-disk event framing: varint-len meta | meta bytes | varint-len body
//---------------------------------------------------------------------

// EncodeEventBytes returns e's encoded meta bytes and its body bytes,
// unframed; EncodeSegmentEvent wraps them in the [varint len_meta|meta_bytes|
// varint len_body|body_bytes] layout described in spec.md §6.
func EncodeEventBytes(format BodyFormat, e *Event) (metaBytes, bodyBytes []byte, err error) {
	metaBytes, err = EncodeMeta(format, e.Meta)
	if err != nil {
		return nil, nil, err
	}
	return metaBytes, e.Body, nil
}

// AppendVarintFramed writes [varint len][bytes] to buf.
func AppendVarintFramed(buf []byte, b []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, b...)
	return buf
}

// ReadVarintFramed reads one [varint len][bytes] record from r, returning
// the payload; r is left positioned just past the record.
func ReadVarintFramed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, wrapKind(KindSerialization, "read varint frame", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapKind(KindSerialization, "read varint frame body", err)
	}
	return buf, nil
}

// EncodeSegmentEvent frames one on-disk event record for append to a redo
// log segment.
func EncodeSegmentEvent(format BodyFormat, e *Event) ([]byte, error) {
	metaBytes, bodyBytes, err := EncodeEventBytes(format, e)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = AppendVarintFramed(out, metaBytes)
	out = AppendVarintFramed(out, bodyBytes)
	return out, nil
}

// DecodeSegmentEvent parses one on-disk event record produced by
// EncodeSegmentEvent.
func DecodeSegmentEvent(format BodyFormat, raw []byte) (*Event, error) {
	r := bytes.NewReader(raw)
	metaBytes, err := ReadVarintFramed(r)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := ReadVarintFramed(r)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMeta(format, metaBytes)
	if err != nil {
		return nil, err
	}
	e := &Event{Meta: meta}
	if len(bodyBytes) > 0 {
		h := Hash(bodyBytes)
		e.DataHash = &h
		e.Body = bodyBytes
	}
	return e, nil
}

//---------------------------------------------------------------------
// ChainHeader and Leaf
//---------------------------------------------------------------------

// ChainHeader carries a segment's compaction cut-off. The redo log keeps
// it only in memory, on the active segment; it is not written to the
// segment file, so a replay on open passes a zero ChainHeader to the loader.
type ChainHeader struct {
	CutOffMillis int64
}

// Leaf is the in-memory descriptor of the latest event for a primary key.
type Leaf struct {
	PrimaryKey     PrimaryKey
	EventHash      AteHash
	MetaHash       AteHash
	RecordLocation LogLookup
}
