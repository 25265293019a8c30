// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleEnvelope is a representative Atrium wire envelope using cbor
// struct tags (the convention for purely-internal protocol types).
type sampleEnvelope struct {
	Type    string `cbor:"type"`
	Channel string `cbor:"channel,omitempty"`
	Seq     int    `cbor:"seq"`
}

// sampleDualRecord uses json struct tags (the convention for types
// that serve both the rendezvous HTTP API and CBOR wire frames,
// relying on fxamacker's fallback).
type sampleDualRecord struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleEnvelope{
		Type:    "editor-update",
		Channel: "portal/7f3a",
		Seq:     42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	envelope := sampleEnvelope{
		Type:    "site-joined",
		Channel: "portal/abc",
		Seq:     7,
	}

	first, err := Marshal(envelope)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}

	second, err := Marshal(envelope)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestJSONTagFallback(t *testing.T) {
	// Types with json tags (no cbor tags) should encode/decode
	// correctly through our modes, using json tag names as CBOR
	// map keys.
	original := sampleDualRecord{Login: "hubot", Name: "Hubot"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleDualRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("json-tag roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A newer site may add envelope fields; older decoders must skip
	// them rather than fail. Encode a superset type and decode into
	// the narrower one.
	type widerEnvelope struct {
		Type    string `cbor:"type"`
		Channel string `cbor:"channel,omitempty"`
		Seq     int    `cbor:"seq"`
		Extra   string `cbor:"extra"`
	}

	data, err := Marshal(widerEnvelope{Type: "site-left", Seq: 3, Extra: "future"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Type != "site-left" || decoded.Seq != 3 {
		t.Errorf("decoded = %+v, want Type=site-left Seq=3", decoded)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var envelope sampleEnvelope
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &envelope)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// Verify that []byte fields encode as CBOR byte strings (major
	// type 2), not text strings. This matters for carrying nested
	// pre-encoded envelope bodies and buffer snapshots.
	type frame struct {
		Payload []byte `cbor:"payload"`
	}

	original := frame{Payload: []byte(`{"uri":"lib/portal.go"}`)}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded frame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("byte string roundtrip: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"type": "editor-update"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !strings.Contains(notation, `"type"`) {
		t.Errorf("notation %q does not contain \"type\"", notation)
	}
	if !strings.Contains(notation, `"editor-update"`) {
		t.Errorf("notation %q does not contain \"editor-update\"", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	envelope := sampleEnvelope{
		Type:    "editor-update",
		Channel: "portal/7f3a",
		Seq:     42,
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(envelope)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	envelope := sampleEnvelope{
		Type:    "editor-update",
		Channel: "portal/7f3a",
		Seq:     42,
	}
	data, err := Marshal(envelope)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		var decoded sampleEnvelope
		Unmarshal(data, &decoded)
	}
}
