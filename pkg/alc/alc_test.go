package alc

import (
	"bytes"
	"testing"

	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

var testOti = oti.FecOti{
	EncodingID:           oti.CompactNoCode,
	TransferLength:       11,
	EncodingSymbolLength: 1428,
	MaxSourceBlockLength: 64,
}

func TestAlcPktFdtCarriesExtensions(t *testing.T) {
	symbols := []EncodingSymbol{{ID: 0, SourceBlockNumber: 0, Data: []byte("hello world")}}
	data := NewAlcPkt(16, lct.TOIFdt, &testOti, symbols, 5)

	pkt, err := ParseAlcPkt(data)
	if err != nil {
		t.Fatalf("ParseAlcPkt failed: %v", err)
	}
	if pkt.Lct.Tsi != 16 || pkt.Lct.Toi != 0 {
		t.Fatalf("got tsi=%d toi=%d", pkt.Lct.Tsi, pkt.Lct.Toi)
	}
	if pkt.FdtInstanceID == nil || *pkt.FdtInstanceID != 5 {
		t.Fatalf("missing or wrong EXT_FDT instance id: %v", pkt.FdtInstanceID)
	}
	if pkt.FecOti == nil {
		t.Fatal("missing EXT_FTI")
	}
	if pkt.FecOti.TransferLength != 11 ||
		pkt.FecOti.EncodingSymbolLength != 1428 ||
		pkt.FecOti.MaxSourceBlockLength != 64 {
		t.Fatalf("EXT_FTI mismatch: %+v", pkt.FecOti)
	}
	if !bytes.Equal(pkt.Payload()[4:], []byte("hello world")) {
		t.Fatalf("payload mismatch: %v", pkt.Payload())
	}
}

func TestAlcPktDataOmitsExtensions(t *testing.T) {
	symbols := []EncodingSymbol{{ID: 3, SourceBlockNumber: 2, Data: []byte{1, 2, 3}}}
	data := NewAlcPkt(16, 7, &testOti, symbols, 0)

	pkt, err := ParseAlcPkt(data)
	if err != nil {
		t.Fatalf("ParseAlcPkt failed: %v", err)
	}
	if pkt.FdtInstanceID != nil || pkt.FecOti != nil {
		t.Fatal("data packet should not carry EXT_FDT/EXT_FTI")
	}
	if pkt.Lct.Toi != 7 {
		t.Fatalf("TOI mismatch: %d", pkt.Lct.Toi)
	}
}

func TestAlcPktLargeTransferLength(t *testing.T) {
	big := testOti
	big.TransferLength = 0x123456789AB // 48 bit
	data := NewAlcPkt(1, lct.TOIFdt, &big, []EncodingSymbol{{Data: []byte{0}}}, 1)
	pkt, err := ParseAlcPkt(data)
	if err != nil {
		t.Fatalf("ParseAlcPkt failed: %v", err)
	}
	if pkt.FecOti.TransferLength != 0x123456789AB {
		t.Fatalf("transfer length mismatch: %x", pkt.FecOti.TransferLength)
	}
}

func TestAlcPktRejectUnknownCodepoint(t *testing.T) {
	symbols := []EncodingSymbol{{Data: []byte{1}}}
	data := NewAlcPkt(1, 2, &testOti, symbols, 0)
	data[3] = 3 // codepoint
	if _, err := ParseAlcPkt(data); err == nil {
		t.Fatal("expected error for unknown code point")
	}
}

func TestSymbolsFromPayloadSplit(t *testing.T) {
	fecOti := testOti
	fecOti.EncodingSymbolLength = 4

	payload := []byte{
		0, 2, // SBN
		0, 5, // ESI
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, // 末符号只有 2 字节
	}
	symbols, err := SymbolsFromPayload(payload, &fecOti, lct.CencNull)
	if err != nil {
		t.Fatalf("SymbolsFromPayload failed: %v", err)
	}
	if len(symbols) != 3 {
		t.Fatalf("expected 3 symbols, got %d", len(symbols))
	}
	for i, sym := range symbols {
		if sym.SourceBlockNumber != 2 {
			t.Fatalf("SBN mismatch at %d", i)
		}
		if sym.ID != uint32(5+i) {
			t.Fatalf("ESI mismatch at %d: %d", i, sym.ID)
		}
	}
	if len(symbols[2].Data) != 2 {
		t.Fatalf("last symbol length %d, want 2", len(symbols[2].Data))
	}
}

func TestSymbolsToPayloadRoundtrip(t *testing.T) {
	fecOti := testOti
	fecOti.EncodingSymbolLength = 4

	in := []EncodingSymbol{
		{ID: 1, SourceBlockNumber: 3, Data: []byte{1, 2, 3, 4}},
		{ID: 2, SourceBlockNumber: 3, Data: []byte{5, 6}},
	}
	var buf []byte
	SymbolsToPayload(in, &buf)

	out, err := SymbolsFromPayload(buf, &fecOti, lct.CencNull)
	if err != nil {
		t.Fatalf("SymbolsFromPayload failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(out))
	}
	if out[0].ID != 1 || out[1].ID != 2 || out[0].SourceBlockNumber != 3 {
		t.Fatalf("symbol identity mismatch: %+v", out)
	}
	if !bytes.Equal(out[1].Data, []byte{5, 6}) {
		t.Fatalf("symbol data mismatch: %v", out[1].Data)
	}
}

func TestSymbolsFromPayloadRejectEncoding(t *testing.T) {
	if _, err := SymbolsFromPayload([]byte{0, 0, 0, 0, 1}, &testOti, lct.CencGzip); err == nil {
		t.Fatal("expected error for non-null content encoding")
	}
}
