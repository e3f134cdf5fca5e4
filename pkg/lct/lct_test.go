package lct

import (
	"bytes"
	"testing"
)

func roundtrip(t *testing.T, tsi, toi uint64) *LCTHeader {
	t.Helper()
	var buf []byte
	PushLCTHeader(&buf, tsi, toi, 0, false, false)
	hdr, err := ParseLCTHeader(buf)
	if err != nil {
		t.Fatalf("ParseLCTHeader failed: %v", err)
	}
	if hdr.Tsi != tsi {
		t.Fatalf("TSI mismatch: got %d want %d", hdr.Tsi, tsi)
	}
	if hdr.Toi != toi {
		t.Fatalf("TOI mismatch: got %d want %d", hdr.Toi, toi)
	}
	if uint32(len(buf)) != hdr.Len {
		t.Fatalf("header length %d does not match buffer length %d", hdr.Len, len(buf))
	}
	return hdr
}

func TestLCTHeaderRoundtrip16(t *testing.T) {
	roundtrip(t, 1, 42)
}

func TestLCTHeaderRoundtrip48(t *testing.T) {
	// TOI 超过 16 bit 时编码为 half-word + word
	roundtrip(t, 1, 0x10000)
	roundtrip(t, 1, 0xFFFFFFFFFFFF)
}

func TestLCTHeaderLargeTsi(t *testing.T) {
	roundtrip(t, 0x123456789A, 7)
}

func TestLCTHeaderCodepoint(t *testing.T) {
	var buf []byte
	PushLCTHeader(&buf, 1, 2, 1, false, false)
	hdr, err := ParseLCTHeader(buf)
	if err != nil {
		t.Fatalf("ParseLCTHeader failed: %v", err)
	}
	if hdr.Cp != 1 {
		t.Fatalf("codepoint mismatch: got %d", hdr.Cp)
	}
}

func TestLCTHeaderParse32BitToi(t *testing.T) {
	// H=0, S=1, O=1: 32-bit TSI 和 32-bit TOI
	data := []byte{
		0x10 | 0x00, // V=1, C=0
		0x80 | 0x20, // S=1, O=1, H=0
		4,           // 4 words
		0,           // codepoint
		0, 0, 0, 0, // CCI
		0, 0, 0, 9, // TSI
		0, 0, 0, 7, // TOI
	}
	hdr, err := ParseLCTHeader(data)
	if err != nil {
		t.Fatalf("ParseLCTHeader failed: %v", err)
	}
	if hdr.Tsi != 9 || hdr.Toi != 7 {
		t.Fatalf("got tsi=%d toi=%d", hdr.Tsi, hdr.Toi)
	}
}

func TestLCTHeaderReject64BitToi(t *testing.T) {
	// H=0, S=1, O=2: 64-bit TOI 必须被拒绝
	data := []byte{
		0x10,
		0x80 | 0x40, // S=1, O=2, H=0
		5,
		0,
		0, 0, 0, 0, // CCI
		0, 0, 0, 9, // TSI
		0, 0, 0, 0, 0, 0, 0, 7, // TOI (64 bit)
	}
	if _, err := ParseLCTHeader(data); err == nil {
		t.Fatal("expected error for 64-bit TOI")
	}
}

func TestLCTHeaderRejectBadVersion(t *testing.T) {
	var buf []byte
	PushLCTHeader(&buf, 1, 2, 0, false, false)
	buf[0] = (buf[0] & 0x0F) | (2 << 4)
	if _, err := ParseLCTHeader(buf); err == nil {
		t.Fatal("expected error for LCT version 2")
	}
}

func TestLCTHeaderRejectNonZeroCci(t *testing.T) {
	var buf []byte
	PushLCTHeader(&buf, 1, 2, 0, false, false)
	buf[5] = 1
	if _, err := ParseLCTHeader(buf); err == nil {
		t.Fatal("expected error for non-zero CCI")
	}
}

func TestLCTHeaderCloseFlags(t *testing.T) {
	var buf []byte
	PushLCTHeader(&buf, 1, 2, 0, true, false)
	hdr, err := ParseLCTHeader(buf)
	if err != nil {
		t.Fatalf("ParseLCTHeader failed: %v", err)
	}
	if !hdr.CloseObject || hdr.CloseSession {
		t.Fatalf("flag mismatch: closeObject=%v closeSession=%v", hdr.CloseObject, hdr.CloseSession)
	}
}

func TestGetExt(t *testing.T) {
	var buf []byte
	PushLCTHeader(&buf, 1, 2, 0, false, false)

	// 追加一个 HET>=128 的固定长度扩展
	buf = append(buf, 0xC0, 0x10, 0x00, 0x01)
	IncHdrLen(buf, 1)
	// 再追加一个 HET<128 的变长扩展 (2 words)
	buf = append(buf, 64, 2, 0, 0, 1, 2, 3, 4)
	IncHdrLen(buf, 2)

	hdr, err := ParseLCTHeader(buf)
	if err != nil {
		t.Fatalf("ParseLCTHeader failed: %v", err)
	}

	ext, err := GetExt(buf, hdr, ExtFdt)
	if err != nil {
		t.Fatalf("GetExt failed: %v", err)
	}
	if !bytes.Equal(ext, []byte{0xC0, 0x10, 0x00, 0x01}) {
		t.Fatalf("unexpected EXT_FDT content: %v", ext)
	}

	ext, err = GetExt(buf, hdr, ExtFti)
	if err != nil {
		t.Fatalf("GetExt failed: %v", err)
	}
	if len(ext) != 8 {
		t.Fatalf("unexpected EXT_FTI length %d", len(ext))
	}

	ext, err = GetExt(buf, hdr, ExtCenc)
	if err != nil {
		t.Fatalf("GetExt failed: %v", err)
	}
	if ext != nil {
		t.Fatal("expected nil for absent extension")
	}
}
