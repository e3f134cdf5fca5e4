package receiver

import (
	"bytes"
	"testing"
	"time"

	"github.com/5G-MAG/rt-libflute/pkg/alc"
	"github.com/5G-MAG/rt-libflute/pkg/fdt"
	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/object"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

const testTsi = 16

var sessionOti = oti.FecOti{
	EncodingID:           oti.CompactNoCode,
	EncodingSymbolLength: 1428,
	MaxSourceBlockLength: 64,
}

func makeObject(t *testing.T, toi uint64, location string, data []byte) *object.File {
	t.Helper()
	f, err := object.NewFileFromData(toi, sessionOti, location, "application/octet-stream", 0, data, true)
	if err != nil {
		t.Fatalf("NewFileFromData failed: %v", err)
	}
	return f
}

// makeFdtPackets 把给定对象的元数据编进一个 FDT 实例并打包
func makeFdtPackets(t *testing.T, wireInstanceID uint32, files ...*object.File) [][]byte {
	t.Helper()
	table := fdt.NewFileDeliveryTable(wireInstanceID, sessionOti)
	for _, f := range files {
		table.Add(*f.Meta())
	}
	table.SetExpires(4200000000)

	xmlData, err := table.ToXML()
	if err != nil {
		t.Fatalf("ToXML failed: %v", err)
	}
	fdtFile, err := object.NewFileFromData(lct.TOIFdt, sessionOti, "", "", 0, xmlData, true)
	if err != nil {
		t.Fatalf("NewFileFromData failed: %v", err)
	}

	var packets [][]byte
	for {
		symbols := fdtFile.GetNextSymbols(sessionOti.EncodingSymbolLength)
		if len(symbols) == 0 {
			break
		}
		fecOti := fdtFile.Meta().FecOti
		packets = append(packets, alc.NewAlcPkt(testTsi, lct.TOIFdt, &fecOti, symbols, wireInstanceID))
		fdtFile.MarkCompleted(symbols, true)
	}
	return packets
}

func makeDataPackets(t *testing.T, src *object.File) [][]byte {
	t.Helper()
	var packets [][]byte
	for {
		symbols := src.GetNextSymbols(sessionOti.EncodingSymbolLength)
		if len(symbols) == 0 {
			break
		}
		fecOti := src.Meta().FecOti
		packets = append(packets, alc.NewAlcPkt(testTsi, src.Meta().Toi, &fecOti, symbols, 0))
		src.MarkCompleted(symbols, true)
	}
	return packets
}

func feed(t *testing.T, r *Receiver, packets [][]byte) {
	t.Helper()
	for _, p := range packets {
		if err := r.handlePacket(p); err != nil {
			t.Fatalf("handlePacket failed: %v", err)
		}
	}
}

func TestReceiverEndToEnd(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	var completions int
	var delivered []byte
	r.RegisterCompletionCallback(func(f *object.File) {
		completions++
		delivered = append([]byte(nil), f.Data()...)
	})

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i * 3)
	}
	src := makeObject(t, 1, "file:///hello", data)

	feed(t, r, makeFdtPackets(t, 1, src))
	if len(r.FileList()) != 1 {
		t.Fatalf("expected 1 reception context after FDT, got %d", len(r.FileList()))
	}

	feed(t, r, makeDataPackets(t, src))

	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(delivered, data) {
		t.Fatal("delivered payload differs from original")
	}
	if len(r.FileList()) != 0 {
		t.Fatalf("completed object should be erased, list has %d", len(r.FileList()))
	}
}

func TestReceiverFdtHandover(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	a := makeObject(t, 1, "file:///a", make([]byte, 100))
	b := makeObject(t, 2, "file:///b", make([]byte, 50))

	feed(t, r, makeFdtPackets(t, 1, a))
	if len(r.FileList()) != 1 {
		t.Fatalf("expected 1 context, got %d", len(r.FileList()))
	}

	// 第二个实例追加了一个文件
	feed(t, r, makeFdtPackets(t, 2, a, b))
	if len(r.FileList()) != 2 {
		t.Fatalf("expected 2 contexts after handover, got %d", len(r.FileList()))
	}

	r.RemoveFileWithContentLocation("file:///a")
	files := r.FileList()
	if len(files) != 1 {
		t.Fatalf("expected 1 context after removal, got %d", len(files))
	}
	if files[0].Meta().ContentLocation != "file:///b" {
		t.Fatalf("wrong file removed: %s", files[0].Meta().ContentLocation)
	}
}

func TestReceiverSameInstanceIgnored(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	a := makeObject(t, 1, "file:///a", make([]byte, 100))
	feed(t, r, makeFdtPackets(t, 1, a))
	if len(r.FileList()) != 1 {
		t.Fatalf("expected 1 context, got %d", len(r.FileList()))
	}

	// 相同实例号的 FDT 重播直接丢弃
	for _, p := range makeFdtPackets(t, 1, a) {
		_ = r.handlePacket(p)
	}
	if len(r.FileList()) != 1 {
		t.Fatalf("expected 1 context after replay, got %d", len(r.FileList()))
	}
}

func TestReceiverTsiMismatch(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", 99)

	src := makeObject(t, 1, "file:///hello", make([]byte, 10))
	for _, p := range makeFdtPackets(t, 1, src) {
		if err := r.handlePacket(p); err != nil {
			t.Fatalf("TSI mismatch must be a silent drop, got %v", err)
		}
	}
	if len(r.FileList()) != 0 {
		t.Fatal("TSI mismatch must not create state")
	}
}

func TestReceiverDuplicatePackets(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	var completions int
	r.RegisterCompletionCallback(func(*object.File) { completions++ })

	data := make([]byte, 200)
	src := makeObject(t, 1, "file:///dup", data)
	feed(t, r, makeFdtPackets(t, 1, src))

	packets := makeDataPackets(t, src)
	for i := 0; i < 50; i++ {
		for _, p := range packets {
			_ = r.handlePacket(p)
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
}

func TestReceiverMalformedPacket(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	if err := r.handlePacket([]byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected parse error for garbage")
	}

	// 会话存活，后续正常包照常处理
	var completions int
	r.RegisterCompletionCallback(func(*object.File) { completions++ })
	src := makeObject(t, 1, "file:///ok", make([]byte, 64))
	feed(t, r, makeFdtPackets(t, 1, src))
	feed(t, r, makeDataPackets(t, src))
	if completions != 1 {
		t.Fatalf("expected one completion, got %d", completions)
	}
}

func TestReceiverRemoveExpiredFiles(t *testing.T) {
	r := newReceiverState(nil, "224.0.0.1", testTsi)

	boot := makeObject(t, 1, "bootstrap.multipart", make([]byte, 10))
	other := makeObject(t, 2, "file:///old", make([]byte, 10))
	feed(t, r, makeFdtPackets(t, 1, boot, other))
	if len(r.FileList()) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(r.FileList()))
	}

	time.Sleep(2 * time.Millisecond)
	r.RemoveExpiredFiles(time.Millisecond)

	files := r.FileList()
	if len(files) != 1 {
		t.Fatalf("expected only bootstrap.multipart to survive, got %d", len(files))
	}
	if files[0].Meta().ContentLocation != "bootstrap.multipart" {
		t.Fatalf("wrong survivor: %s", files[0].Meta().ContentLocation)
	}
}
