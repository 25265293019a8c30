// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressSmallPayloadStaysRaw(t *testing.T) {
	data := []byte("src/main.go")

	compressed := Compress(data)
	if compressed.Tag != CompressionNone {
		t.Errorf("tag = %v, want none for %d-byte payload", compressed.Tag, len(data))
	}
	if compressed.Size != len(data) {
		t.Errorf("size = %d, want %d", compressed.Size, len(data))
	}

	restored, err := compressed.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Errorf("roundtrip mismatch: got %q, want %q", restored, data)
	}
}

func TestCompressTextSelectsZstd(t *testing.T) {
	// Repetitive source-like text compresses far past the 1.5x zstd
	// threshold.
	data := []byte(strings.Repeat("func (p *Portal) broadcast(message wireMessage) error {\n", 200))

	compressed := Compress(data)
	if compressed.Tag != CompressionZstd {
		t.Errorf("tag = %v, want zstd", compressed.Tag)
	}
	if len(compressed.Data) >= len(data) {
		t.Errorf("compressed size %d not smaller than input %d", len(compressed.Data), len(data))
	}

	restored, err := compressed.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("zstd roundtrip mismatch")
	}
}

func TestCompressRandomStaysRaw(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	compressed := Compress(data)
	if compressed.Tag != CompressionNone {
		t.Errorf("tag = %v, want none for incompressible data", compressed.Tag)
	}

	restored, err := compressed.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("raw roundtrip mismatch")
	}
}

func TestCompressedSurvivesCBOR(t *testing.T) {
	// Compressed values are embedded in join-welcome snapshots; they
	// must roundtrip through the wire encoding.
	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 100))
	original := Compress(data)

	wire, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Compressed
	if err := Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	restored, err := decoded.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("wire roundtrip mismatch")
	}
}

func TestDecompressRejectsSizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("abcdefgh", 64))
	compressed := Compress(data)
	compressed.Size++

	if _, err := compressed.Decompress(); err == nil {
		t.Error("Decompress should reject a size mismatch")
	}
}

func TestDecompressRejectsUnknownTag(t *testing.T) {
	compromised := Compressed{Tag: CompressionTag(99), Size: 4, Data: []byte("abcd")}
	if _, err := compromised.Decompress(); err == nil {
		t.Error("Decompress should reject an unknown tag")
	}
}

func TestCompressionTagString(t *testing.T) {
	cases := []struct {
		tag  CompressionTag
		want string
	}{
		{CompressionNone, "none"},
		{CompressionLZ4, "lz4"},
		{CompressionZstd, "zstd"},
		{CompressionTag(7), "unknown(7)"},
	}
	for _, c := range cases {
		if got := c.tag.String(); got != c.want {
			t.Errorf("tag %d: String() = %q, want %q", c.tag, got, c.want)
		}
	}
}
