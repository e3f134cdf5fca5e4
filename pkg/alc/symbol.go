package alc

import (
	"encoding/binary"
	"errors"

	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

var (
	ErrContentEncoding = errors.New("only unencoded content is supported")
	ErrPayloadTooShort = errors.New("payload too short for FEC payload ID")
)

// EncodingSymbol 一个编码符号及其在对象中的位置
type EncodingSymbol struct {
	ID                uint32 // ESI
	SourceBlockNumber uint32 // SBN
	Data              []byte
}

// SymbolsFromPayload 从 ALC 载荷拆出编码符号。
// 两种方案的载荷布局一致：[SBN:16][ESI:16] || symbol_1 || symbol_2 || ...
// 同一载荷内的符号都属于同一个源块，ESI 连续递增。
func SymbolsFromPayload(payload []byte, fecOti *oti.FecOti, encoding lct.Cenc) ([]EncodingSymbol, error) {
	if encoding != lct.CencNull {
		return nil, ErrContentEncoding
	}
	switch fecOti.EncodingID {
	case oti.CompactNoCode, oti.Raptor:
	default:
		return nil, oti.ErrUnknownFecScheme
	}
	if len(payload) < 4 {
		return nil, ErrPayloadTooShort
	}

	sbn := uint32(binary.BigEndian.Uint16(payload[0:2]))
	esi := uint32(binary.BigEndian.Uint16(payload[2:4]))
	data := payload[4:]

	t := int(fecOti.EncodingSymbolLength)
	if t == 0 {
		return nil, errors.New("encoding symbol length is 0")
	}

	symbols := make([]EncodingSymbol, 0, (len(data)+t-1)/t)
	for len(data) > 0 {
		n := t
		if n > len(data) {
			n = len(data)
		}
		symbols = append(symbols, EncodingSymbol{
			ID:                esi,
			SourceBlockNumber: sbn,
			Data:              data[:n],
		})
		data = data[n:]
		esi++
	}
	return symbols, nil
}

// SymbolsToPayload 把同一源块的符号打包进 ALC 载荷并追加到 buf
func SymbolsToPayload(symbols []EncodingSymbol, buf *[]byte) {
	if len(symbols) == 0 {
		return
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(symbols[0].SourceBlockNumber))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(symbols[0].ID))
	*buf = append(*buf, hdr[:]...)

	for i := range symbols {
		*buf = append(*buf, symbols[i].Data...)
	}
}
