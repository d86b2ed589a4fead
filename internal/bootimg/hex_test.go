package bootimg

import (
	"bytes"
	"encoding"
	"errors"
	"testing"
)

// Assert interface implemented.
var (
	_ encoding.TextMarshaler   = (*HexEncoding)(nil)
	_ encoding.TextUnmarshaler = (*HexEncoding)(nil)
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	segments := []Segment{
		{Base: 0x0000000000400000, Data: []byte("FLUID PROFILE\x00FL3")},
		{Base: 0x0000000000401000, Data: []byte{0xAC, 0x12, 0xAD, 0x13}},
	}

	enc := NewHexEncoding(segments...)

	out, err := enc.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	dec := &HexEncoding{}
	if err := dec.UnmarshalText(out); err != nil {
		t.Fatalf("unmarshal: %v (text: %q)", err, out)
	}

	got := dec.Segments()
	if len(got) != len(segments) {
		t.Fatalf("want %d segments, got %d", len(segments), len(got))
	}

	for i, want := range segments {
		if got[i].Base != want.Base {
			t.Errorf("segment %d: want base %#x, got %#x", i, want.Base, got[i].Base)
		}
		if !bytes.Equal(got[i].Data, want.Data) {
			t.Errorf("segment %d: want data %q, got %q", i, want.Data, got[i].Data)
		}
	}
}

func TestMarshalSplitsLargeSegmentAcrossRecords(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, maxRecordBytes+10)
	enc := NewHexEncoding(Segment{Base: 0x1000, Data: data})

	out, err := enc.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	dec := &HexEncoding{}
	if err := dec.UnmarshalText(out); err != nil {
		t.Fatal(err)
	}

	var rebuilt []byte
	for _, seg := range dec.Segments() {
		rebuilt = append(rebuilt, seg.Data...)
	}

	if !bytes.Equal(rebuilt, data) {
		t.Error("rebuilt data does not match original across split records")
	}
}

func TestUnmarshalEmptyInputFails(t *testing.T) {
	dec := &HexEncoding{}
	if err := dec.UnmarshalText([]byte("")); !errors.Is(err, errEmpty) {
		t.Errorf("want errEmpty, got %v", err)
	}
}

func TestUnmarshalEOFOnlyIsEmpty(t *testing.T) {
	dec := &HexEncoding{}
	if err := dec.UnmarshalText([]byte(":00000000000000000001ff\n")); !errors.Is(err, errEmpty) {
		t.Errorf("want errEmpty, got %v", err)
	}
}

func TestUnmarshalInvalidPrefixFails(t *testing.T) {
	dec := &HexEncoding{}
	if err := dec.UnmarshalText([]byte("u wot mate")); !errors.Is(err, errInvalidHex) {
		t.Errorf("want errInvalidHex, got %v", err)
	}
}

func TestUnmarshalTruncatedRecordFails(t *testing.T) {
	dec := &HexEncoding{}
	if err := dec.UnmarshalText([]byte(":01")); !errors.Is(err, errInvalidHex) {
		t.Errorf("want errInvalidHex, got %v", err)
	}
}

func TestUnmarshalBadChecksumFails(t *testing.T) {
	enc := NewHexEncoding(Segment{Base: 0x1000, Data: []byte("hello")})

	out, err := enc.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the data portion so the checksum no longer matches.
	corrupt := bytes.Replace(out, []byte("68656c6c6f"), []byte("68656c6c6e"), 1)

	dec := &HexEncoding{}
	if err := dec.UnmarshalText(corrupt); !errors.Is(err, errInvalidHex) {
		t.Errorf("want errInvalidHex, got %v", err)
	}
}

func TestMarshalNilSegmentsProducesEOFOnly(t *testing.T) {
	enc := NewHexEncoding()

	out, err := enc.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	if string(out) != ":00000000000000000001ff\n" {
		t.Errorf("want EOF-only record, got %q", out)
	}
}
