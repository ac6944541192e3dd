package core

import (
	"bytes"
	"encoding/pem"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Version: ProtocolV1, Kind: MsgEvent, Payload: []byte("payload bytes")}
	wire := EncodeFrame(f)

	got, err := DecodeFrame(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.Version != f.Version || got.Kind != f.Kind || string(got.Payload) != string(f.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
}

func TestFrameEncodeDecodeEmptyPayload(t *testing.T) {
	f := Frame{Version: ProtocolV1, Kind: MsgPing}
	wire := EncodeFrame(f)
	got, err := DecodeFrame(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestDecodeFrameRejectsTruncatedInput(t *testing.T) {
	f := Frame{Version: ProtocolV1, Kind: MsgEvent, Payload: []byte("hello")}
	wire := EncodeFrame(f)
	if _, err := DecodeFrame(bytes.NewReader(wire[:len(wire)-2])); err == nil {
		t.Fatalf("expected an error decoding a truncated frame")
	}
}

func TestNegotiateEncryption(t *testing.T) {
	cases := []struct {
		local, remote, want EncryptionMode
	}{
		{EncDouble, EncDouble, EncDouble},
		{EncDouble, EncQuantum, EncQuantum},
		{EncQuantum, EncQuantum, EncQuantum},
		{EncClassic, EncQuantum, EncClassic},
		{EncClassic, EncClassic, EncClassic},
		{EncUnencrypted, EncClassic, EncUnencrypted},
		{EncUnencrypted, EncUnencrypted, EncUnencrypted},
	}
	for _, tc := range cases {
		got := NegotiateEncryption(tc.local, tc.remote)
		if got != tc.want {
			t.Fatalf("NegotiateEncryption(%v, %v) = %v, want %v", tc.local, tc.remote, got, tc.want)
		}
	}
}

func TestCertValidatorPolicies(t *testing.T) {
	cert := []byte("fake certificate bytes")

	denyAll := NewCertValidator(CertDenyAll)
	if err := denyAll.Validate(cert); err == nil {
		t.Fatalf("CertDenyAll should reject every certificate")
	}

	allowAll := NewCertValidator(CertAllowAll)
	if err := allowAll.Validate(cert); err != nil {
		t.Fatalf("CertAllowAll should accept every certificate: %v", err)
	}

	fp, err := CertFingerprintFromPEM(pemEncode(cert))
	if err != nil {
		t.Fatalf("CertFingerprintFromPEM: %v", err)
	}
	allowed := NewCertValidator(CertAllowedCertificates, fp)
	if err := allowed.Validate(cert); err != nil {
		t.Fatalf("CertAllowedCertificates should accept a listed fingerprint: %v", err)
	}
	if err := allowed.Validate([]byte("some other certificate")); err == nil {
		t.Fatalf("CertAllowedCertificates should reject an unlisted certificate")
	}
}

func pemEncode(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
