package fec

import (
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

// Symbol 单个编码符号槽。Data 指向对象缓冲区（接收侧）
// 或编码器产生的缓冲区（发送侧）。
type Symbol struct {
	Data     []byte
	Complete bool // 字节已就位并解码
	Queued   bool // 已交给发包节拍器，等待发送确认
}

// SourceBlock 一个源块及其符号表，键为 ESI
type SourceBlock struct {
	ID       uint16
	Complete bool
	Symbols  map[uint32]*Symbol
}

// Partitioning 分块结果
type Partitioning struct {
	NofSourceSymbols       uint32
	NofSourceBlocks        uint32
	NofLargeSourceBlocks   uint32
	LargeSourceBlockLength uint32
	SmallSourceBlockLength uint32
}

// Transformer FEC 方案能力集。CompactNoCode 不需要 transformer（nil），
// 走默认的 RFC 5052 分块。
type Transformer interface {
	// CheckSourceBlockCompletion 判断源块是否完成（解码器完成或全部符号就位）
	CheckSourceBlockCompletion(block *SourceBlock) bool

	// CreateBlocks 由缓冲区构建源块表。发送侧产生编码符号，
	// 接收侧产生指向缓冲区的接收槽。
	CreateBlocks(buffer []byte) (map[uint16]*SourceBlock, error)

	// ProcessSymbol 把一个已写入槽位的符号喂给解码器
	ProcessSymbol(block *SourceBlock, sym *Symbol, esi uint32) bool

	// CalculatePartitioning 返回方案自己的分块；false 表示使用默认分块
	CalculatePartitioning() (Partitioning, bool)

	// ParseFdtInfo 从 FDT 属性读取方案参数（FDT 是 Raptor 参数的规范载体）
	ParseFdtInfo(attrs *oti.Attributes, transferLength uint64) error

	// AddFdtInfo 把方案参数写入 FDT 属性
	AddFdtInfo(attrs *oti.Attributes)

	// AllocateBuffer 分配接收缓冲区，至少 minLength 字节
	AllocateBuffer(minLength uint64) ([]byte, error)

	// ExtractFile 在全部块完成后把解码出的源符号搬回缓冲区
	ExtractFile(blocks map[uint16]*SourceBlock, buffer []byte) error
}
