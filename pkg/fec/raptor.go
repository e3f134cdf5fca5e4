package fec

import (
	"errors"
	"fmt"

	fountain "github.com/google/gofountain"
	logging "github.com/ipfs/go-log/v2"

	"github.com/5G-MAG/rt-libflute/pkg/oti"
	"github.com/5G-MAG/rt-libflute/pkg/tools"
)

var log = logging.Logger("flute/fec")

// 符号对齐参数与子块预算 (RFC 5053 4.2)
const (
	raptorAl       = 4
	raptorW        = 16 * 1024 * 1024
	raptorMaxK     = 8192
	raptorSurplus  = 1.15 // 每块多发 ~15% 修复符号
	raptorMinKt    = 4
	raptorMaxGroup = 10
)

var (
	ErrObjectTooSmall = errors.New("input is less than 4 symbols")
	ErrSymbolAlign    = errors.New("symbol size T is not a multiple of Al")
)

// RaptorFEC RFC 5053 风格的 Raptor transformer，编解码引擎来自 gofountain。
// 发送侧由 NewRaptorFEC 构建并推导参数；接收侧由 NewRaptorDecoder +
// ParseFdtInfo 从 FDT 属性恢复参数。
type RaptorFEC struct {
	F  uint64 // 对象长度
	P  uint32 // 最大载荷
	Al uint32
	T  uint32 // 符号长度
	G  uint32 // 每包符号组数
	Kt uint32 // 符号总数
	K  uint32 // 每块符号数
	Z  uint32 // 源块数
	N  uint32 // 子块数
	W  uint32

	// 每块多发的修复符号比例，默认 1.15
	SurplusRatio float64

	isEncoder bool
	decoders  map[uint16]*raptorDecoder

	part Partitioning
}

type raptorDecoder struct {
	dec  fountain.Decoder
	done bool
}

// NewRaptorFEC 发送侧构造：由对象大小 F 和最大载荷 P 推导 G/T/Kt/Z/K/N
func NewRaptorFEC(transferLength uint64, maxPayload uint32) (*RaptorFEC, error) {
	r := &RaptorFEC{
		F:            transferLength,
		P:            maxPayload,
		Al:           raptorAl,
		W:            raptorW,
		SurplusRatio: raptorSurplus,
		isEncoder:    true,
		decoders:     make(map[uint16]*raptorDecoder),
	}

	if transferLength == 0 {
		return nil, ErrObjectTooSmall
	}

	g := tools.DivCeil(uint64(maxPayload)*1024, transferLength)
	if v := uint64(maxPayload / raptorAl); v < g {
		g = v
	}
	if g > raptorMaxGroup {
		g = raptorMaxGroup
	}
	if g == 0 {
		g = 1
	}
	r.G = uint32(g)

	r.T = (maxPayload / (raptorAl * r.G)) * raptorAl
	if r.T == 0 || r.T%raptorAl != 0 {
		return nil, ErrSymbolAlign
	}

	r.Kt = uint32(tools.DivCeil(transferLength, uint64(r.T)))
	if r.Kt < raptorMinKt {
		return nil, ErrObjectTooSmall
	}

	r.Z = uint32(tools.DivCeil(uint64(r.Kt), raptorMaxK))
	r.K = r.Kt
	if r.K > raptorMaxK {
		r.K = raptorMaxK
	}

	n := tools.DivCeil(tools.DivCeil(uint64(r.Kt), uint64(r.Z))*uint64(r.T), uint64(r.W))
	if v := uint64(r.T / r.Al); v < n {
		n = v
	}
	r.N = uint32(n)

	r.fillPartitioning()
	log.Debugf("raptor params F=%d P=%d G=%d T=%d Kt=%d Z=%d K=%d N=%d",
		r.F, r.P, r.G, r.T, r.Kt, r.Z, r.K, r.N)
	return r, nil
}

// NewRaptorDecoder 接收侧构造，参数随后由 ParseFdtInfo 填充
func NewRaptorDecoder() *RaptorFEC {
	return &RaptorFEC{
		Al:           raptorAl,
		W:            raptorW,
		SurplusRatio: raptorSurplus,
		decoders:     make(map[uint16]*raptorDecoder),
	}
}

func (r *RaptorFEC) fillPartitioning() {
	r.part = Partitioning{
		NofSourceSymbols: r.Kt,
		NofSourceBlocks:  r.Z,
		// 末块不满时的剩余符号字节数；没有 "large" 块的概念
		SmallSourceBlockLength: (r.Z*r.K - r.Kt) * r.T,
	}
}

// targetK 每块实际传输的符号数，至少带一个修复符号
func (r *RaptorFEC) targetK(blockno uint32) uint32 {
	if blockno < r.Z-1 {
		target := uint32(float64(r.K) * r.SurplusRatio)
		if target > r.K {
			return target
		}
		return r.K + 1
	}
	remaining := r.Kt - r.K*(r.Z-1)
	target := uint32(float64(remaining) * r.SurplusRatio)
	if target > remaining {
		return target
	}
	return remaining + 1
}

// blockShape 块内符号数与字节数
func (r *RaptorFEC) blockShape(blockno uint32) (nsymbs uint32, blocksize uint64) {
	if blockno < r.Z-1 {
		return r.K, uint64(r.K) * uint64(r.T)
	}
	nsymbs = r.Kt - r.K*(r.Z-1)
	blocksize = r.F - uint64(r.K)*uint64(r.T)*uint64(r.Z-1)
	return nsymbs, blocksize
}

func (r *RaptorFEC) CalculatePartitioning() (Partitioning, bool) {
	return r.part, true
}

func (r *RaptorFEC) CreateBlocks(buffer []byte) (map[uint16]*SourceBlock, error) {
	if r.N != 1 {
		return nil, errors.New("currently the encoding only supports 1 sub-block per block")
	}

	blocks := make(map[uint16]*SourceBlock, r.Z)
	if r.isEncoder {
		var offset uint64
		for z := uint32(0); z < r.Z; z++ {
			block, err := r.encodeBlock(buffer[offset:], z)
			if err != nil {
				return nil, err
			}
			blocks[uint16(z)] = block
			_, blocksize := r.blockShape(z)
			offset += blocksize
		}
		return blocks, nil
	}

	// 接收侧：每块 targetK 个接收槽，指向缓冲区
	stride := uint64(r.targetK(0)) * uint64(r.T)
	for z := uint32(0); z < r.Z; z++ {
		block := &SourceBlock{
			ID:      uint16(z),
			Symbols: make(map[uint32]*Symbol),
		}
		base := uint64(z) * stride
		for i := uint32(0); i < r.targetK(z); i++ {
			from := base + uint64(i)*uint64(r.T)
			block.Symbols[i] = &Symbol{Data: buffer[from : from+uint64(r.T)]}
		}
		blocks[uint16(z)] = block
	}
	return blocks, nil
}

// encodeBlock 编码一个源块，产出 targetK 个符号
func (r *RaptorFEC) encodeBlock(buffer []byte, blockno uint32) (*SourceBlock, error) {
	nsymbs, blocksize := r.blockShape(blockno)

	// 补齐到 nsymbs*T，让 gofountain 的符号长度正好等于 T
	message := make([]byte, uint64(nsymbs)*uint64(r.T))
	copy(message, buffer[:blocksize])

	codec := fountain.NewRaptorCodec(int(nsymbs), int(r.Al))
	ids := make([]int64, r.targetK(blockno))
	for i := range ids {
		ids[i] = int64(i)
	}
	ltBlocks := fountain.EncodeLTBlocks(message, ids, codec)
	if len(ltBlocks) != len(ids) {
		return nil, fmt.Errorf("raptor encoder produced %d of %d symbols", len(ltBlocks), len(ids))
	}

	block := &SourceBlock{
		ID:      uint16(blockno),
		Symbols: make(map[uint32]*Symbol, len(ltBlocks)),
	}
	for i := range ltBlocks {
		block.Symbols[uint32(ltBlocks[i].BlockCode)] = &Symbol{Data: ltBlocks[i].Data}
	}
	return block, nil
}

func (r *RaptorFEC) ProcessSymbol(block *SourceBlock, sym *Symbol, esi uint32) bool {
	dc, ok := r.decoders[block.ID]
	if !ok {
		nsymbs, _ := r.blockShape(uint32(block.ID))
		codec := fountain.NewRaptorCodec(int(nsymbs), int(r.Al))
		dc = &raptorDecoder{dec: codec.NewDecoder(int(nsymbs) * int(r.T))}
		r.decoders[block.ID] = dc
	}
	if dc.done {
		log.Debugf("skipped symbol for finished block: SBN %d ESI %d", block.ID, esi)
		return true
	}

	data := make([]byte, r.T)
	copy(data, sym.Data)
	dc.done = dc.dec.AddBlocks([]fountain.LTBlock{{BlockCode: int64(esi), Data: data}})
	return true
}

func (r *RaptorFEC) CheckSourceBlockCompletion(block *SourceBlock) bool {
	if r.isEncoder {
		for _, sym := range block.Symbols {
			if !sym.Complete {
				return false
			}
		}
		return true
	}
	dc, ok := r.decoders[block.ID]
	if !ok {
		return false
	}
	return dc.done
}

func (r *RaptorFEC) ExtractFile(blocks map[uint16]*SourceBlock, buffer []byte) error {
	if r.isEncoder {
		// 发送侧缓冲区本来就是源数据
		return nil
	}
	for id := range blocks {
		dc, ok := r.decoders[id]
		if !ok || !dc.done {
			return fmt.Errorf("no finished raptor decoder for source block %d", id)
		}
	}
	for id := range blocks {
		decoded := r.decoders[id].dec.Decode()
		if decoded == nil {
			return fmt.Errorf("raptor decode failed for source block %d", id)
		}
		_, blocksize := r.blockShape(uint32(id))
		offset := uint64(id) * uint64(r.K) * uint64(r.T)
		copy(buffer[offset:offset+blocksize], decoded[:blocksize])
	}
	return nil
}

func (r *RaptorFEC) AllocateBuffer(minLength uint64) ([]byte, error) {
	size := uint64(r.Z) * uint64(r.targetK(0)) * uint64(r.T)
	if size < minLength {
		return nil, fmt.Errorf("raptor buffer of %d bytes is smaller than %d", size, minLength)
	}
	return make([]byte, size), nil
}

func (r *RaptorFEC) ParseFdtInfo(attrs *oti.Attributes, transferLength uint64) error {
	if transferLength == 0 {
		return errors.New("required field Transfer-Length is missing for an object in the FDT")
	}
	if attrs.NumberOfSourceBlocks == nil {
		return errors.New("required field FEC-OTI-Number-Of-Source-Blocks is missing for an object in the FDT")
	}
	if attrs.NumberOfSubBlocks == nil {
		return errors.New("required field FEC-OTI-Number-Of-Sub-Blocks is missing for an object in the FDT")
	}
	if attrs.EncodingSymbolLength == nil {
		return errors.New("required field FEC-OTI-Encoding-Symbol-Length is missing for an object in the FDT")
	}
	if attrs.SymbolAlignmentParameter == nil {
		return errors.New("required field FEC-OTI-Symbol-Alignment-Parameter is missing for an object in the FDT")
	}

	r.F = transferLength
	r.Z = uint32(*attrs.NumberOfSourceBlocks)
	r.N = uint32(*attrs.NumberOfSubBlocks)
	r.T = uint32(*attrs.EncodingSymbolLength)
	r.Al = uint32(*attrs.SymbolAlignmentParameter)

	if r.T == 0 || r.Al == 0 || r.T%r.Al != 0 {
		return ErrSymbolAlign
	}
	if r.Z == 0 {
		return errors.New("invalid number of source blocks")
	}

	r.Kt = uint32(tools.DivCeil(r.F, uint64(r.T)))
	r.K = r.Kt
	if r.K > raptorMaxK {
		r.K = raptorMaxK
	}
	r.isEncoder = false
	r.fillPartitioning()
	return nil
}

func (r *RaptorFEC) AddFdtInfo(attrs *oti.Attributes) {
	enc := uint8(oti.Raptor)
	esl := uint64(r.T)
	al := uint64(r.Al)
	z := uint64(r.Z)
	n := uint64(r.N)

	attrs.FecEncodingID = &enc
	attrs.EncodingSymbolLength = &esl
	attrs.SymbolAlignmentParameter = &al
	attrs.NumberOfSourceBlocks = &z
	attrs.NumberOfSubBlocks = &n
}
