package model

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Stream 按抓包顺序逐条拉取记录，结束时返回 io.EOF
type Stream interface {
	Next() (*Record, error)
}

// Collect 把整个流物化成切片
func Collect(s Stream) ([]*Record, error) {
	var out []*Record
	for {
		r, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}

// SliceStream 基于切片的 Stream
type SliceStream struct {
	records []*Record
	pos     int
}

func FromSlice(records []*Record) *SliceStream {
	return &SliceStream{records: records}
}

func (s *SliceStream) Next() (*Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

// VidPid 设备描述符里的厂商号/产品号
type VidPid struct {
	Vendor  uint16
	Product uint16
}

func (v VidPid) String() string {
	return fmt.Sprintf("%04X:%04X", v.Vendor, v.Product)
}

// MarshalJSON 与 usbrply 的 device2vidpid 保持一致: [vid, pid]
func (v VidPid) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint16{v.Vendor, v.Product})
}

func (v *VidPid) UnmarshalJSON(b []byte) error {
	var pair [2]uint16
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	v.Vendor, v.Product = pair[0], pair[1]
	return nil
}

// IdentityMap 抓包内设备号 -> VID/PID，后出现的覆盖先出现的
type IdentityMap map[int]VidPid

// Devices 按设备号升序返回
func (m IdentityMap) Devices() []int {
	devices := make([]int, 0, len(m))
	for d := range m {
		devices = append(devices, d)
	}
	sort.Ints(devices)
	return devices
}
