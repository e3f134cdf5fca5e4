package oti

import (
	"errors"
	"fmt"
)

// FecScheme FEC 编码方案，同时也是 LCT 头中的 code point
type FecScheme uint8

const (
	CompactNoCode FecScheme = 0
	Raptor        FecScheme = 1
)

func (f FecScheme) String() string {
	switch f {
	case CompactNoCode:
		return "CompactNoCode"
	case Raptor:
		return "Raptor"
	default:
		return fmt.Sprintf("Unknown FecScheme (%d)", uint8(f))
	}
}

var ErrUnknownFecScheme = errors.New("only the Compact No-Code and Raptor FEC schemes are supported")

// FecSchemeFromCodepoint 从 LCT code point 取 FEC 方案
func FecSchemeFromCodepoint(v uint8) (FecScheme, error) {
	switch v {
	case 0:
		return CompactNoCode, nil
	case 1:
		return Raptor, nil
	default:
		return 0, ErrUnknownFecScheme
	}
}

// FecOti FEC Object Transmission Information (RFC 5052)
type FecOti struct {
	EncodingID           FecScheme
	TransferLength       uint64
	EncodingSymbolLength uint32 // T
	MaxSourceBlockLength uint32 // K
}

// Attributes FDT 属性形式的 OTI，指针字段缺省表示继承顶层默认值。
// Raptor 专用字段由 transformer 经 ParseFdtInfo/AddFdtInfo 读写。
type Attributes struct {
	FecEncodingID            *uint8
	MaximumSourceBlockLength *uint64
	EncodingSymbolLength     *uint64
	TransferLength           *uint64

	// Raptor scheme-specific (FDT 是 Raptor 参数的规范载体)
	NumberOfSourceBlocks     *uint64 // Z
	NumberOfSubBlocks        *uint64 // N
	SymbolAlignmentParameter *uint64 // Al
}

// GetAttributes 导出为 FDT 属性
func (o *FecOti) GetAttributes() Attributes {
	enc := uint8(o.EncodingID)
	msbl := uint64(o.MaxSourceBlockLength)
	esl := uint64(o.EncodingSymbolLength)
	return Attributes{
		FecEncodingID:            &enc,
		MaximumSourceBlockLength: &msbl,
		EncodingSymbolLength:     &esl,
	}
}

// MaxTransferLength 该方案允许的最大传输长度
func (o *FecOti) MaxTransferLength() uint64 {
	// EXT_FTI 与 FDT 中的 Transfer-Length 都是 48 bit
	return 0xFFFFFFFFFFFF
}
