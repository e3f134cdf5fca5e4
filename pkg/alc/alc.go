package alc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/5G-MAG/rt-libflute/pkg/lct"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

// AlcPkt 解析后的 ALC 数据包（引用原始数据）
type AlcPkt struct {
	Lct           lct.LCTHeader
	FecOti        *oti.FecOti // EXT_FTI，数据包可缺省
	Cenc          lct.Cenc
	FdtInstanceID *uint32 // EXT_FDT，仅 TOI=0
	Data          []byte  // 原始数据引用
}

// FecScheme 该包的 FEC 方案（来自 code point）
func (p *AlcPkt) FecScheme() oti.FecScheme {
	return oti.FecScheme(p.Lct.Cp)
}

// Payload 编码符号载荷
func (p *AlcPkt) Payload() []byte {
	return p.Data[p.Lct.Len:]
}

// NewAlcPkt 把一组编码符号封成 ALC/LCT 原始字节。
// TOI=0 的包（FDT）总是带 EXT_FDT + EXT_FTI。
func NewAlcPkt(tsi uint64, toi uint64, fecOti *oti.FecOti, symbols []EncodingSymbol, fdtInstanceID uint32) []byte {
	buf := make([]byte, 0, 64+payloadSize(symbols))

	lct.PushLCTHeader(&buf, tsi, toi, uint8(fecOti.EncodingID), false, false)

	if toi == lct.TOIFdt {
		pushExtFdt(&buf, 1, fdtInstanceID)
		pushExtFti(&buf, fecOti)
	}

	SymbolsToPayload(symbols, &buf)
	return buf
}

// NewAlcPktCloseSession 生成 Close-Session 包
func NewAlcPktCloseSession(tsi uint64) []byte {
	buf := make([]byte, 0, 16)
	lct.PushLCTHeader(&buf, tsi, lct.TOIFdt, uint8(oti.CompactNoCode), false, true)
	// 空的 FEC Payload ID
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

// ParseAlcPkt 解析 ALC 包。解析失败只丢弃该包，不影响会话。
func ParseAlcPkt(data []byte) (*AlcPkt, error) {
	hdr, err := lct.ParseLCTHeader(data)
	if err != nil {
		return nil, err
	}

	scheme, err := oti.FecSchemeFromCodepoint(hdr.Cp)
	if err != nil {
		return nil, err
	}

	pkt := &AlcPkt{
		Lct:  *hdr,
		Cenc: lct.CencNull,
		Data: data,
	}

	if ext, err := lct.GetExt(data, hdr, lct.ExtFti); err != nil {
		return nil, err
	} else if ext != nil {
		fecOti, err := parseExtFti(ext, scheme)
		if err != nil {
			return nil, err
		}
		pkt.FecOti = fecOti
	}

	if ext, err := lct.GetExt(data, hdr, lct.ExtFdt); err != nil {
		return nil, err
	} else if ext != nil {
		id, err := parseExtFdt(ext)
		if err != nil {
			return nil, err
		}
		pkt.FdtInstanceID = &id
	}

	if ext, err := lct.GetExt(data, hdr, lct.ExtCenc); err != nil {
		return nil, err
	} else if ext != nil {
		cenc, err := parseExtCenc(ext)
		if err != nil {
			return nil, err
		}
		pkt.Cenc = cenc
	}

	return pkt, nil
}

// ---------------- 扩展头 ----------------

// EXT_FDT: 高 4 bit FLUTE 版本 + 20 bit FDT instance id
func pushExtFdt(buf *[]byte, version uint8, fdtInstanceID uint32) {
	ext := (uint32(lct.ExtFdt) << 24) | (uint32(version) << 20) | (fdtInstanceID & 0xFFFFF)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ext)
	*buf = append(*buf, b[:]...)
	lct.IncHdrLen(*buf, 1)
}

func parseExtFdt(ext []byte) (uint32, error) {
	if len(ext) != 4 {
		return 0, errors.New("wrong EXT_FDT length")
	}
	val := binary.BigEndian.Uint32(ext)
	version := (val >> 20) & 0xF
	if version > 2 {
		return 0, errors.New("unsupported FLUTE version")
	}
	return val & 0xFFFFF, nil
}

// EXT_FTI for Compact No-Code, HEL=4:
// 48-bit transfer length, 16 bit reserved, 16-bit T, 32-bit K
func pushExtFti(buf *[]byte, fecOti *oti.FecOti) {
	var b [16]byte
	b[0] = uint8(lct.ExtFti)
	b[1] = 4 // HEL
	binary.BigEndian.PutUint16(b[2:4], uint16(fecOti.TransferLength>>32))
	binary.BigEndian.PutUint32(b[4:8], uint32(fecOti.TransferLength))
	// b[8:10] reserved
	binary.BigEndian.PutUint16(b[10:12], uint16(fecOti.EncodingSymbolLength))
	binary.BigEndian.PutUint32(b[12:16], fecOti.MaxSourceBlockLength)
	*buf = append(*buf, b[:]...)
	lct.IncHdrLen(*buf, 4)
}

func parseExtFti(ext []byte, scheme oti.FecScheme) (*oti.FecOti, error) {
	switch scheme {
	case oti.CompactNoCode:
		if len(ext) != 16 {
			return nil, errors.New("invalid length for EXT_FTI header extension for Compact No Code FEC scheme")
		}
		transferLength := uint64(binary.BigEndian.Uint16(ext[2:4]))<<32 |
			uint64(binary.BigEndian.Uint32(ext[4:8]))
		return &oti.FecOti{
			EncodingID:           oti.CompactNoCode,
			TransferLength:       transferLength,
			EncodingSymbolLength: uint32(binary.BigEndian.Uint16(ext[10:12])),
			MaxSourceBlockLength: binary.BigEndian.Uint32(ext[12:16]),
		}, nil
	case oti.Raptor:
		// Raptor 参数的规范载体是 FDT，不解释 EXT_FTI 形式
		return nil, errors.New("EXT_FTI is not the OTI carrier for the Raptor FEC scheme")
	default:
		return nil, oti.ErrUnknownFecScheme
	}
}

// EXT_CENC: 1 字节内容编码
func parseExtCenc(ext []byte) (lct.Cenc, error) {
	if len(ext) != 4 {
		return lct.CencNull, errors.New("wrong EXT_CENC length")
	}
	switch c := lct.Cenc(ext[1]); c {
	case lct.CencNull, lct.CencZlib, lct.CencDeflate, lct.CencGzip:
		return c, nil
	default:
		return lct.CencNull, fmt.Errorf("unsupported content encoding %d", ext[1])
	}
}

func payloadSize(symbols []EncodingSymbol) int {
	n := 4
	for i := range symbols {
		n += len(symbols[i].Data)
	}
	return n
}
