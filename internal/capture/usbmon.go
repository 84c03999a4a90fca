package capture

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Hara602/usbReplay/internal/analysis"
	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// LINKTYPE_USB_LINUX，48 字节头部
// gopacket 的 layers.LinkTypeLinuxUSB 是 220 (LINKTYPE_USB_LINUX_MMAPPED)，头部多出 16 字节
const linkTypeLinuxUSB layers.LinkType = 189

const (
	usbmonHeaderSize        = 48
	usbmonMmappedHeaderSize = 64
)

// usbmon 传输类型
const (
	xferIsochronous = 0
	xferInterrupt   = 1
	xferControl     = 2
	xferBulk        = 3
)

// usbmon 事件类型
const (
	eventSubmit   = 'S'
	eventComplete = 'C'
)

// usbmonHeader 对应内核 struct usbmon_packet 的前 48 字节
// 字节序与抓包主机一致，这里按小端处理
type usbmonHeader struct {
	ID           uint64
	EventType    uint8
	TransferType uint8
	Endpoint     uint8 // 最高位为方向，1 = IN
	Device       uint8
	BusID        uint16
	SetupFlag    uint8 // 0 表示 Setup 字段有效
	DataFlag     uint8
	TsSec        int64
	TsUsec       int32
	Status       int32
	Length       uint32 // 请求长度
	LenCap       uint32 // 实际抓到的数据长度
	Setup        [8]byte
}

// packetReader pcapgo.Reader 与 pcapgo.NgReader 的公共部分
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// submitted 等待 complete 的 submit 事件
type submitted struct {
	hdr     usbmonHeader
	packn   int
	t       float64
	payload []byte
}

// usbmonSource 把 usbmon 的 submit/complete 按 URB id 配对成记录
// 记录按 complete 出现的顺序产出
type usbmonSource struct {
	r          packetReader
	headerSize int
	packn      int
	pending    map[uint64]*submitted
}

func newUsbmonSource(r packetReader) (*usbmonSource, error) {
	var size int
	switch r.LinkType() {
	case linkTypeLinuxUSB:
		size = usbmonHeaderSize
	case layers.LinkTypeLinuxUSB:
		size = usbmonMmappedHeaderSize
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLinkType, int(r.LinkType()))
	}
	return &usbmonSource{
		r:          r,
		headerSize: size,
		pending:    make(map[uint64]*submitted),
	}, nil
}

func (s *usbmonSource) Next() (*model.Record, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err == io.EOF {
			if len(s.pending) > 0 {
				sysutil.LogSugar.Debugf("usbmon: %d submits without completion", len(s.pending))
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("usbmon read: %w", err)
		}
		s.packn++

		if len(data) < s.headerSize {
			sysutil.Log.Debug("usbmon: truncated packet", zap.Int("packn", s.packn), zap.Int("len", len(data)))
			continue
		}
		var hdr usbmonHeader
		if err := binary.Read(bytes.NewReader(data[:usbmonHeaderSize]), binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("usbmon header: %w", err)
		}
		payload := data[s.headerSize:]
		if int(hdr.LenCap) < len(payload) {
			payload = payload[:hdr.LenCap]
		}
		t := float64(ci.Timestamp.UnixNano()) / 1e9

		switch hdr.EventType {
		case eventSubmit:
			s.pending[hdr.ID] = &submitted{hdr: hdr, packn: s.packn, t: t, payload: payload}
		case eventComplete:
			sub, ok := s.pending[hdr.ID]
			if !ok {
				// 抓包开始之前提交的 URB
				continue
			}
			delete(s.pending, hdr.ID)
			if r := s.record(sub, &hdr, t, payload); r != nil {
				return r, nil
			}
		default:
			// 'E' 错误事件不参与重放
		}
	}
}

func (s *usbmonSource) record(sub *submitted, comp *usbmonHeader, t float64, payload []byte) *model.Record {
	device := int(sub.hdr.Device)
	submitT, completeT := sub.t, t
	r := &model.Record{
		Device:   &device,
		Submit:   &model.URB{Packn: sub.packn, T: &submitT},
		Complete: &model.URB{Packn: s.packn, T: &completeT},
		Endpoint: sub.hdr.Endpoint,
	}
	in := sub.hdr.Endpoint&0x80 != 0

	switch sub.hdr.TransferType {
	case xferControl:
		if sub.hdr.SetupFlag != 0 {
			return nil
		}
		setup := sub.hdr.Setup
		r.RequestType = setup[0]
		r.Request = setup[1]
		r.Value = binary.LittleEndian.Uint16(setup[2:4])
		r.Index = binary.LittleEndian.Uint16(setup[4:6])
		r.Length = binary.LittleEndian.Uint16(setup[6:8])
		r.Endpoint = 0
		if r.RequestType&analysis.RequestTypeDirectionMask == analysis.RequestTypeDeviceToHost {
			r.Kind = model.KindControlRead
			r.Data = hex.EncodeToString(payload)
		} else {
			r.Kind = model.KindControlWrite
			r.Data = hex.EncodeToString(sub.payload)
		}
	case xferBulk, xferInterrupt:
		bulk := sub.hdr.TransferType == xferBulk
		if in {
			r.Kind = model.KindInterruptIn
			if bulk {
				r.Kind = model.KindBulkRead
			}
			r.Len = int(sub.hdr.Length)
			r.Data = hex.EncodeToString(payload)
		} else {
			r.Kind = model.KindInterruptOut
			if bulk {
				r.Kind = model.KindBulkWrite
			}
			r.Len = len(sub.payload)
			r.Data = hex.EncodeToString(sub.payload)
		}
	default:
		sysutil.Log.Debug("usbmon: skipping transfer",
			zap.Uint8("type", sub.hdr.TransferType),
			zap.Int("packn", sub.packn))
		return nil
	}

	if comp.Status != 0 {
		r.Comments = append(r.Comments, fmt.Sprintf("status %d", comp.Status))
	}
	return r
}

func (s *usbmonSource) Metadata() *model.Metadata {
	return nil
}
