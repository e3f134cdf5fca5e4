package fdt

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

const mbms2007Namespace = "urn:3GPP:metadata:2007:MBMS:FLUTE:FDT"

// -------- XML 模型 --------

// FdtInstance FDT 顶层元素
type FdtInstance struct {
	XMLName xml.Name `xml:"FDT-Instance"`

	Expires string `xml:"Expires,attr"`

	// 顶层 FEC OTI，文件项缺省时继承
	FecOtiFecEncodingID            *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FecOtiMaximumSourceBlockLength *uint64 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FecOtiEncodingSymbolLength     *uint64 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`

	XmlnsMbms2007 string `xml:"xmlns:mbms2007,attr"`

	Files []FdtFile `xml:"File"`
}

// FdtFile 单个文件项
type FdtFile struct {
	Toi             *uint64 `xml:"TOI,attr"`
	ContentLocation *string `xml:"Content-Location,attr"`
	ContentLength   *uint64 `xml:"Content-Length,attr,omitempty"`
	TransferLength  *uint64 `xml:"Transfer-Length,attr,omitempty"`
	ContentMD5      *string `xml:"Content-MD5,attr,omitempty"`
	ContentType     *string `xml:"Content-Type,attr,omitempty"`

	// 文件级 FEC OTI
	FecOtiFecEncodingID            *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FecOtiMaximumSourceBlockLength *uint64 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FecOtiEncodingSymbolLength     *uint64 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`

	// Raptor 专用属性，由 transformer 读写
	FecOtiNumberOfSourceBlocks     *uint64 `xml:"FEC-OTI-Number-Of-Source-Blocks,attr,omitempty"`
	FecOtiNumberOfSubBlocks        *uint64 `xml:"FEC-OTI-Number-Of-Sub-Blocks,attr,omitempty"`
	FecOtiSymbolAlignmentParameter *uint64 `xml:"FEC-OTI-Symbol-Alignment-Parameter,attr,omitempty"`

	CacheControl *CacheControl `xml:"Cache-Control"`
}

// CacheControl mbms2007:Cache-Control 子元素。
// encoding/xml 的前缀处理在编解码两侧不对称，这里用自定义编解码：
// 序列化带 mbms2007 前缀，解析只按 local name 匹配。
type CacheControl struct {
	Expires uint32
}

func (c *CacheControl) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "mbms2007:Cache-Control"}
	start.Attr = nil
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	exp := xml.StartElement{Name: xml.Name{Local: "mbms2007:Expires"}}
	if err := e.EncodeElement(strconv.FormatUint(uint64(c.Expires), 10), exp); err != nil {
		return err
	}
	return e.EncodeToken(xml.EndElement{Name: start.Name})
}

func (c *CacheControl) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Expires" {
				var text string
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				v, err := strconv.ParseUint(text, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid Cache-Control Expires value %q", text)
				}
				c.Expires = uint32(v)
			} else if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return nil
			}
		}
	}
}

// ParseFdtInstance 从 XML 字节解析 FDT-Instance
func ParseFdtInstance(buf []byte) (*FdtInstance, error) {
	var inst FdtInstance
	if err := xml.Unmarshal(buf, &inst); err != nil {
		return nil, fmt.Errorf("parse FDT failed: %w", err)
	}
	return &inst, nil
}
