package object

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/5G-MAG/rt-libflute/pkg/alc"
	"github.com/5G-MAG/rt-libflute/pkg/fdt"
	"github.com/5G-MAG/rt-libflute/pkg/fec"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
	"github.com/5G-MAG/rt-libflute/pkg/tools"
)

var log = logging.Logger("flute/object")

var (
	ErrSbnTooHigh = errors.New("source block number too high")
	ErrEsiTooHigh = errors.New("encoding symbol ID too high")
	ErrNilData    = errors.New("invalid file: data is nil")
)

// File 一个在传对象。发送侧持有源数据并按需产出编码符号，
// 接收侧持有重组缓冲区并逐符号填充。
type File struct {
	meta      fdt.FileEntry
	buffer    []byte
	ownBuffer bool

	complete     bool
	sourceBlocks map[uint16]*fec.SourceBlock

	nofSourceSymbols       uint32
	nofSourceBlocks        uint32
	nofLargeSourceBlocks   uint32
	largeSourceBlockLength uint32
	smallSourceBlockLength uint32

	receivedAt    time.Time
	accessCount   uint32
	fdtInstanceID uint32
}

// NewFileFromEntry 接收侧构造：按 FDT 项分配缓冲区并建立接收槽
func NewFileFromEntry(entry fdt.FileEntry) (*File, error) {
	f := &File{
		meta:       entry,
		receivedAt: time.Now(),
		ownBuffer:  true,
	}

	// 默认分块需要非零的 T 和 K，否则会除零或死循环
	if entry.FecTransformer == nil && (entry.FecOti.EncodingSymbolLength == 0 ||
		(entry.FecOti.TransferLength > 0 && entry.FecOti.MaxSourceBlockLength == 0)) {
		return nil, fmt.Errorf("invalid FEC OTI for TOI %d: T=%d K=%d",
			entry.Toi, entry.FecOti.EncodingSymbolLength, entry.FecOti.MaxSourceBlockLength)
	}

	if entry.FecTransformer != nil {
		buf, err := entry.FecTransformer.AllocateBuffer(entry.FecOti.TransferLength)
		if err != nil {
			return nil, err
		}
		f.buffer = buf
	} else {
		f.buffer = make([]byte, entry.FecOti.TransferLength)
	}

	f.calculatePartitioning()
	if err := f.createBlocks(); err != nil {
		return nil, err
	}
	if entry.FecOti.TransferLength == 0 {
		f.complete = true
	}
	return f, nil
}

// NewFileFromData 发送侧构造：计算 MD5，按 FEC 方案分块。
// copyData=false 时借用调用方缓冲区，调用方须保证其在完成回调前有效。
func NewFileFromData(
	toi uint64,
	fecOti oti.FecOti,
	contentLocation string,
	contentType string,
	expires uint64,
	data []byte,
	copyData bool,
) (*File, error) {
	if data == nil {
		return nil, ErrNilData
	}
	if uint64(len(data)) > fecOti.MaxTransferLength() {
		return nil, fmt.Errorf("object transfer length of %d is bigger than %d, incompatible with OTI",
			len(data), fecOti.MaxTransferLength())
	}

	f := &File{receivedAt: time.Now()}
	if copyData {
		f.buffer = append([]byte(nil), data...)
		f.ownBuffer = true
	} else {
		f.buffer = data
	}

	sum := md5.Sum(data)

	f.meta = fdt.FileEntry{
		Toi:             toi,
		ContentLocation: contentLocation,
		ContentLength:   uint64(len(data)),
		ContentMD5:      base64.StdEncoding.EncodeToString(sum[:]),
		ContentType:     contentType,
		Expires:         expires,
		FecOti:          fecOti,
	}
	f.meta.FecOti.TransferLength = uint64(len(data))

	switch fecOti.EncodingID {
	case oti.CompactNoCode:
		// transformer 为空，走默认分块
	case oti.Raptor:
		r, err := fec.NewRaptorFEC(uint64(len(data)), fecOti.EncodingSymbolLength)
		if err != nil {
			return nil, err
		}
		f.meta.FecOti.EncodingSymbolLength = r.T
		f.meta.FecOti.MaxSourceBlockLength = r.K * r.T
		f.meta.FecTransformer = r
	default:
		return nil, oti.ErrUnknownFecScheme
	}

	f.calculatePartitioning()
	if err := f.createBlocks(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		f.complete = true
	}
	return f, nil
}

func (f *File) calculatePartitioning() {
	if f.meta.FecTransformer != nil {
		if part, ok := f.meta.FecTransformer.CalculatePartitioning(); ok {
			f.nofSourceSymbols = part.NofSourceSymbols
			f.nofSourceBlocks = part.NofSourceBlocks
			f.nofLargeSourceBlocks = part.NofLargeSourceBlocks
			f.largeSourceBlockLength = part.LargeSourceBlockLength
			f.smallSourceBlockLength = part.SmallSourceBlockLength
			return
		}
	}
	// RFC 5052 9.1
	aLarge, aSmall, nbALarge, nbBlocks := BlockPartitioning(
		uint64(f.meta.FecOti.MaxSourceBlockLength),
		f.meta.FecOti.TransferLength,
		uint64(f.meta.FecOti.EncodingSymbolLength),
	)
	f.nofSourceSymbols = uint32(tools.DivCeil(f.meta.FecOti.TransferLength, uint64(f.meta.FecOti.EncodingSymbolLength)))
	f.nofSourceBlocks = uint32(nbBlocks)
	f.nofLargeSourceBlocks = uint32(nbALarge)
	f.largeSourceBlockLength = uint32(aLarge)
	f.smallSourceBlockLength = uint32(aSmall)
}

func (f *File) createBlocks() error {
	if f.meta.FecTransformer != nil {
		blocks, err := f.meta.FecTransformer.CreateBlocks(f.buffer)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return errors.New("FEC transformer failed to create source blocks")
		}
		f.sourceBlocks = blocks
		return nil
	}

	// 符号槽直接指向缓冲区内的目标字节
	f.sourceBlocks = make(map[uint16]*fec.SourceBlock, f.nofSourceBlocks)
	remaining := f.meta.FecOti.TransferLength
	var offset uint64
	var number uint16
	for remaining > 0 {
		blockLength := f.smallSourceBlockLength
		if uint32(number) < f.nofLargeSourceBlocks {
			blockLength = f.largeSourceBlockLength
		}

		block := &fec.SourceBlock{
			ID:      number,
			Symbols: make(map[uint32]*fec.Symbol, blockLength),
		}
		for i := uint32(0); i < blockLength && remaining > 0; i++ {
			symbolLength := uint64(f.meta.FecOti.EncodingSymbolLength)
			if remaining < symbolLength {
				symbolLength = remaining
			}
			block.Symbols[i] = &fec.Symbol{Data: f.buffer[offset : offset+symbolLength]}
			offset += symbolLength
			remaining -= symbolLength
		}
		f.sourceBlocks[number] = block
		number++
	}
	return nil
}

// PutSymbol 应用一个收到的编码符号。重复符号是幂等的。
func (f *File) PutSymbol(symbol *alc.EncodingSymbol) error {
	if f.complete {
		log.Debugf("not handling symbol %d SBN %d since file is already complete",
			symbol.ID, symbol.SourceBlockNumber)
		return nil
	}

	block, ok := f.sourceBlocks[uint16(symbol.SourceBlockNumber)]
	if !ok {
		return ErrSbnTooHigh
	}
	if block.Complete {
		log.Debugf("ignoring symbol %d since block %d is already complete",
			symbol.ID, symbol.SourceBlockNumber)
		return nil
	}

	target, ok := block.Symbols[symbol.ID]
	if !ok {
		return ErrEsiTooHigh
	}
	if target.Complete {
		return nil // duplicate
	}

	if len(symbol.Data) <= len(target.Data) {
		copy(target.Data, symbol.Data)
	}
	target.Complete = true
	if f.meta.FecTransformer != nil {
		f.meta.FecTransformer.ProcessSymbol(block, target, symbol.ID)
	}

	f.checkSourceBlockCompletion(block)
	f.checkFileCompletion()
	return nil
}

func (f *File) checkSourceBlockCompletion(block *fec.SourceBlock) {
	if f.meta.FecTransformer != nil {
		block.Complete = f.meta.FecTransformer.CheckSourceBlockCompletion(block)
		return
	}
	for _, sym := range block.Symbols {
		if !sym.Complete {
			block.Complete = false
			return
		}
	}
	block.Complete = true
}

func (f *File) checkFileCompletion() {
	for _, block := range f.sourceBlocks {
		if !block.Complete {
			f.complete = false
			return
		}
	}
	f.complete = true

	if f.meta.FecTransformer != nil {
		if err := f.meta.FecTransformer.ExtractFile(f.sourceBlocks, f.buffer); err != nil {
			log.Errorf("failed to extract file for TOI %d: %v", f.meta.Toi, err)
		}
	}

	if f.meta.ContentMD5 == "" {
		return
	}

	sum := md5.Sum(f.Data())
	want, err := base64.StdEncoding.DecodeString(f.meta.ContentMD5)
	if err != nil || !bytes.Equal(sum[:], want) {
		log.Errorf("MD5 mismatch for TOI %d, discarding", f.meta.Toi)

		// 丢弃已收内容，继续接收
		for _, block := range f.sourceBlocks {
			for _, sym := range block.Symbols {
				sym.Complete = false
			}
			block.Complete = false
		}
		f.complete = false
	}
}

// GetNextSymbols 取下一批待发符号，至多 ⌊maxSize/T⌋ 个，且只来自同一个源块。
// 取出的符号标记为 queued，直到 MarkCompleted 确认。
func (f *File) GetNextSymbols(maxSize uint32) []alc.EncodingSymbol {
	nofSymbols := maxSize / f.meta.FecOti.EncodingSymbolLength
	if nofSymbols == 0 {
		return nil
	}

	var symbols []alc.EncodingSymbol
	for number := uint16(0); uint32(number) < f.nofSourceBlocks; number++ {
		block, ok := f.sourceBlocks[number]
		if !ok || block.Complete {
			continue
		}
		for esi := uint32(0); esi < uint32(len(block.Symbols)); esi++ {
			if uint32(len(symbols)) >= nofSymbols {
				break
			}
			sym := block.Symbols[esi]
			if sym == nil || sym.Complete || sym.Queued {
				continue
			}
			symbols = append(symbols, alc.EncodingSymbol{
				ID:                esi,
				SourceBlockNumber: uint32(number),
				Data:              sym.Data,
			})
			sym.Queued = true
		}
		if len(symbols) > 0 {
			break // 单个包只装一个源块的符号
		}
	}
	return symbols
}

// MarkCompleted 发送确认：success 时符号记为完成，失败时重新排队
func (f *File) MarkCompleted(symbols []alc.EncodingSymbol, success bool) {
	for i := range symbols {
		block, ok := f.sourceBlocks[uint16(symbols[i].SourceBlockNumber)]
		if !ok {
			continue
		}
		sym, ok := block.Symbols[symbols[i].ID]
		if !ok {
			continue
		}
		sym.Queued = false
		sym.Complete = success
		f.checkSourceBlockCompletion(block)
		f.checkFileCompletion()
	}
}

func (f *File) Complete() bool {
	return f.complete
}

// Data 对象载荷。接收缓冲区可能大于对象长度（Raptor），只暴露有效前缀。
func (f *File) Data() []byte {
	return f.buffer[:f.meta.FecOti.TransferLength]
}

func (f *File) Length() uint64 {
	return f.meta.FecOti.TransferLength
}

func (f *File) Meta() *fdt.FileEntry {
	return &f.meta
}

func (f *File) ReceivedAt() time.Time {
	return f.receivedAt
}

func (f *File) LogAccess() {
	f.accessCount++
}

func (f *File) AccessCount() uint32 {
	return f.accessCount
}

func (f *File) SetFdtInstanceID(id uint32) {
	f.fdtInstanceID = id
}

func (f *File) FdtInstanceID() uint32 {
	return f.fdtInstanceID
}

func (f *File) String() string {
	return fmt.Sprintf("File{toi=%d location=%s length=%d complete=%v}",
		f.meta.Toi, f.meta.ContentLocation, f.meta.FecOti.TransferLength, f.complete)
}
