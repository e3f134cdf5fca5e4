package fdt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	"github.com/5G-MAG/rt-libflute/pkg/fec"
	"github.com/5G-MAG/rt-libflute/pkg/oti"
)

var log = logging.Logger("flute/fdt")

var (
	ErrMissingToi             = errors.New("missing TOI attribute on File element")
	ErrMissingContentLocation = errors.New("missing Content-Location attribute on File element")
	ErrMissingExpires         = errors.New("missing Expires attribute on FDT-Instance")
)

// FileEntry FDT 中的一行
type FileEntry struct {
	Toi             uint64
	ContentLocation string
	ContentLength   uint64
	ContentMD5      string // 16 字节 MD5 的 base64，可为空
	ContentType     string
	Expires         uint64 // NTP 纪元秒
	FecOti          oti.FecOti
	FecTransformer  fec.Transformer
}

// FileDeliveryTable 会话内在传文件的索引。
// 每次变更都会递增 instance id。
type FileDeliveryTable struct {
	instanceID   uint32
	expires      uint64
	globalFecOti oti.FecOti
	fileEntries  []FileEntry
}

func NewFileDeliveryTable(instanceID uint32, fecOti oti.FecOti) *FileDeliveryTable {
	return &FileDeliveryTable{
		instanceID:   instanceID,
		globalFecOti: fecOti,
	}
}

// Parse 从收到的 FDT 载荷构建表。instanceID 来自包头 EXT_FDT。
func Parse(instanceID uint32, buffer []byte) (*FileDeliveryTable, error) {
	inst, err := ParseFdtInstance(buffer)
	if err != nil {
		return nil, err
	}

	if inst.Expires == "" {
		return nil, ErrMissingExpires
	}
	expires, err := strconv.ParseUint(inst.Expires, 10, 64)
	if err != nil {
		return nil, errors.New("invalid Expires attribute on FDT-Instance")
	}

	log.Debugf("received new FDT with instance ID %d", instanceID)

	t := &FileDeliveryTable{
		instanceID: instanceID,
		expires:    expires,
	}

	var defEncodingID uint8
	if inst.FecOtiFecEncodingID != nil {
		defEncodingID = *inst.FecOtiFecEncodingID
	}
	var defMaxSBL, defESL uint64
	if inst.FecOtiMaximumSourceBlockLength != nil {
		defMaxSBL = *inst.FecOtiMaximumSourceBlockLength
	}
	if inst.FecOtiEncodingSymbolLength != nil {
		defESL = *inst.FecOtiEncodingSymbolLength
	}

	// 顶层默认 OTI 随表保留，序列化时回写；顶层缺省的属性按 0 回写
	if defScheme, serr := oti.FecSchemeFromCodepoint(defEncodingID); serr == nil {
		t.globalFecOti = oti.FecOti{
			EncodingID:           defScheme,
			EncodingSymbolLength: uint32(defESL),
			MaxSourceBlockLength: uint32(defMaxSBL),
		}
	}

	for i := range inst.Files {
		file := &inst.Files[i]
		if file.Toi == nil {
			return nil, ErrMissingToi
		}
		if file.ContentLocation == nil {
			return nil, ErrMissingContentLocation
		}

		var contentLength uint64
		if file.ContentLength != nil {
			contentLength = *file.ContentLength
		}
		transferLength := contentLength
		if file.TransferLength != nil {
			transferLength = *file.TransferLength
		}

		encodingID := defEncodingID
		if file.FecOtiFecEncodingID != nil {
			encodingID = *file.FecOtiFecEncodingID
		}
		maxSBL := defMaxSBL
		if file.FecOtiMaximumSourceBlockLength != nil {
			maxSBL = *file.FecOtiMaximumSourceBlockLength
		}
		esl := defESL
		if file.FecOtiEncodingSymbolLength != nil {
			esl = *file.FecOtiEncodingSymbolLength
		}

		scheme, err := oti.FecSchemeFromCodepoint(encodingID)
		if err != nil {
			return nil, err
		}

		var transformer fec.Transformer
		if scheme == oti.Raptor {
			r := fec.NewRaptorDecoder()
			attrs := oti.Attributes{
				FecEncodingID:            file.FecOtiFecEncodingID,
				EncodingSymbolLength:     file.FecOtiEncodingSymbolLength,
				NumberOfSourceBlocks:     file.FecOtiNumberOfSourceBlocks,
				NumberOfSubBlocks:        file.FecOtiNumberOfSubBlocks,
				SymbolAlignmentParameter: file.FecOtiSymbolAlignmentParameter,
			}
			if err := r.ParseFdtInfo(&attrs, transferLength); err != nil {
				return nil, err
			}
			transformer = r
			esl = uint64(r.T)
		}

		var contentMD5, contentType string
		if file.ContentMD5 != nil {
			contentMD5 = *file.ContentMD5
		}
		if file.ContentType != nil {
			contentType = *file.ContentType
		}

		var fileExpires uint64
		if file.CacheControl != nil {
			fileExpires = uint64(file.CacheControl.Expires)
		}

		t.fileEntries = append(t.fileEntries, FileEntry{
			Toi:             *file.Toi,
			ContentLocation: *file.ContentLocation,
			ContentLength:   contentLength,
			ContentMD5:      contentMD5,
			ContentType:     contentType,
			Expires:         fileExpires,
			FecOti: oti.FecOti{
				EncodingID:           scheme,
				TransferLength:       transferLength,
				EncodingSymbolLength: uint32(esl),
				MaxSourceBlockLength: uint32(maxSBL),
			},
			FecTransformer: transformer,
		})
	}

	return t, nil
}

func (f *FileDeliveryTable) InstanceID() uint32 {
	return f.instanceID
}

func (f *FileDeliveryTable) SetExpires(exp uint64) {
	f.expires = exp
}

// Add 追加文件项并递增 instance id
func (f *FileDeliveryTable) Add(entry FileEntry) {
	f.instanceID++
	f.fileEntries = append(f.fileEntries, entry)
}

// Remove 按 TOI 移除并递增 instance id
func (f *FileDeliveryTable) Remove(toi uint64) {
	dst := f.fileEntries[:0]
	for _, fe := range f.fileEntries {
		if fe.Toi != toi {
			dst = append(dst, fe)
		}
	}
	f.fileEntries = dst
	f.instanceID++
}

func (f *FileDeliveryTable) FileEntries() []FileEntry {
	out := make([]FileEntry, len(f.fileEntries))
	copy(out, f.fileEntries)
	return out
}

// ToXML 序列化为带 XML 声明的 UTF-8 文本
func (f *FileDeliveryTable) ToXML() ([]byte, error) {
	attrs := f.globalFecOti.GetAttributes()

	inst := FdtInstance{
		Expires:                        strconv.FormatUint(f.expires, 10),
		FecOtiFecEncodingID:            attrs.FecEncodingID,
		FecOtiMaximumSourceBlockLength: attrs.MaximumSourceBlockLength,
		FecOtiEncodingSymbolLength:     attrs.EncodingSymbolLength,
		XmlnsMbms2007:                  mbms2007Namespace,
		Files:                          make([]FdtFile, 0, len(f.fileEntries)),
	}

	for i := range f.fileEntries {
		fe := &f.fileEntries[i]
		toi := fe.Toi
		loc := fe.ContentLocation
		contentLength := fe.ContentLength
		transferLength := fe.FecOti.TransferLength
		md5 := fe.ContentMD5
		contentType := fe.ContentType

		file := FdtFile{
			Toi:             &toi,
			ContentLocation: &loc,
			ContentLength:   &contentLength,
			TransferLength:  &transferLength,
			ContentMD5:      &md5,
			ContentType:     &contentType,
			CacheControl:    &CacheControl{Expires: uint32(fe.Expires)},
		}

		if fe.FecTransformer != nil {
			var attrs oti.Attributes
			fe.FecTransformer.AddFdtInfo(&attrs)
			file.FecOtiFecEncodingID = attrs.FecEncodingID
			file.FecOtiEncodingSymbolLength = attrs.EncodingSymbolLength
			file.FecOtiNumberOfSourceBlocks = attrs.NumberOfSourceBlocks
			file.FecOtiNumberOfSubBlocks = attrs.NumberOfSubBlocks
			file.FecOtiSymbolAlignmentParameter = attrs.SymbolAlignmentParameter
		}

		inst.Files = append(inst.Files, file)
	}

	out, err := xml.MarshalIndent(&inst, "", "  ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(out)
	return buf.Bytes(), nil
}
