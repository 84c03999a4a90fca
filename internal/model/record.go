package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload 记录的 data 字段不是合法的十六进制串，说明抓包本身已损坏
var ErrMalformedPayload = errors.New("malformed payload")

// Kind 事务记录类型 (封闭集合)
type Kind int

const (
	KindUnknown Kind = iota
	KindComment
	KindControlRead
	KindControlWrite
	KindBulkRead
	KindBulkWrite
	KindInterruptIn
	KindInterruptOut
	KindIrpInfo
	KindAbortPipe
)

// 与 usbrply JSON 中 "type" 字段一一对应
var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindComment:      "comment",
	KindControlRead:  "controlRead",
	KindControlWrite: "controlWrite",
	KindBulkRead:     "bulkRead",
	KindBulkWrite:    "bulkWrite",
	KindInterruptIn:  "interruptIn",
	KindInterruptOut: "interruptOut",
	KindIrpInfo:      "irpInfo",
	KindAbortPipe:    "abortPipe",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind 未识别的类型名返回 KindUnknown
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindUnknown {
			return Kind(k)
		}
	}
	return KindUnknown
}

// URBInfo 抓包工具附带的 URB 描述 (目前只用到函数名)
type URBInfo struct {
	FuncName string `json:"usb_func_str,omitempty"`
}

// URB submit / complete 子记录
type URB struct {
	Packn int      `json:"packn"`
	T     *float64 `json:"t,omitempty"`
	TUrb  *float64 `json:"t_urb,omitempty"` // 旧格式的时间戳
	URB   *URBInfo `json:"urb,omitempty"`
}

// Time 返回时间戳，t 缺失时退回 t_urb
func (u *URB) Time() (float64, bool) {
	if u == nil {
		return 0, false
	}
	if u.T != nil {
		return *u.T, true
	}
	if u.TUrb != nil {
		return *u.TUrb, true
	}
	return 0, false
}

// Record 一条解码后的 USB 事务
type Record struct {
	Kind     Kind
	TypeName string // 原始类型名，Unknown 时用于诊断
	Device   *int   // 总线分配的设备号，纯元数据记录没有
	Comments []string
	Submit   *URB
	Complete *URB

	// control 传输
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16

	// bulk / interrupt 传输
	Endpoint uint8
	Len      int

	Data string // 十六进制负载
	Text string // comment 正文

	// Raw 从 JSON 解码时的原文，序列化时原样输出，没有建模的字段也不会丢
	// 程序里构造的记录为 nil
	Raw json.RawMessage
}

// NewComment 构造一条注释记录
func NewComment(text string) *Record {
	return &Record{Kind: KindComment, Text: text}
}

// DeviceID 返回设备号以及是否存在
func (r *Record) DeviceID() (int, bool) {
	if r.Device == nil {
		return 0, false
	}
	return *r.Device, true
}

// Payload 解码 data 字段
func (r *Record) Payload() ([]byte, error) {
	b, err := hex.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s record: %v", ErrMalformedPayload, r.Kind, err)
	}
	return b, nil
}

// Name 类型名，Unknown 记录返回抓包中的原始名字
func (r *Record) Name() string {
	if r.Kind == KindUnknown && r.TypeName != "" {
		return r.TypeName
	}
	return r.Kind.String()
}

func (r *Record) isControl() bool {
	return r.Kind == KindControlRead || r.Kind == KindControlWrite
}

func (r *Record) isEndpoint() bool {
	switch r.Kind {
	case KindBulkRead, KindBulkWrite, KindInterruptIn, KindInterruptOut:
		return true
	}
	return false
}

// wireRecord usbrply JSON 的线上格式
type wireRecord struct {
	Type     string   `json:"type"`
	Device   *int     `json:"device,omitempty"`
	Comments []string `json:"comments,omitempty"`
	Submit   *URB     `json:"submit,omitempty"`
	Complete *URB     `json:"complete,omitempty"`

	RequestType *uint8  `json:"bRequestType,omitempty"`
	Request     *uint8  `json:"bRequest,omitempty"`
	Value       *uint16 `json:"wValue,omitempty"`
	Index       *uint16 `json:"wIndex,omitempty"`
	Length      *uint16 `json:"wLength,omitempty"`

	Endpoint *uint8 `json:"endp,omitempty"`
	Len      *int   `json:"len,omitempty"`

	Data *string `json:"data,omitempty"`
	V    *string `json:"v,omitempty"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return r.Raw, nil
	}
	w := wireRecord{
		Type:     r.Name(),
		Device:   r.Device,
		Comments: r.Comments,
		Submit:   r.Submit,
		Complete: r.Complete,
	}
	if r.isControl() {
		w.RequestType, w.Request = &r.RequestType, &r.Request
		w.Value, w.Index, w.Length = &r.Value, &r.Index, &r.Length
	}
	if r.isEndpoint() {
		w.Endpoint, w.Len = &r.Endpoint, &r.Len
	}
	if r.Kind == KindComment {
		w.V = &r.Text
	} else if r.Data != "" || r.isControl() || r.isEndpoint() {
		w.Data = &r.Data
	}
	return json.Marshal(w)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Record{
		Raw:      append(json.RawMessage(nil), b...),
		Kind:     ParseKind(w.Type),
		TypeName: w.Type,
		Device:   w.Device,
		Comments: w.Comments,
		Submit:   w.Submit,
		Complete: w.Complete,
	}
	if w.RequestType != nil {
		r.RequestType = *w.RequestType
	}
	if w.Request != nil {
		r.Request = *w.Request
	}
	if w.Value != nil {
		r.Value = *w.Value
	}
	if w.Index != nil {
		r.Index = *w.Index
	}
	if w.Length != nil {
		r.Length = *w.Length
	}
	if w.Endpoint != nil {
		r.Endpoint = *w.Endpoint
	}
	if w.Len != nil {
		r.Len = *w.Len
	}
	if w.Data != nil {
		r.Data = *w.Data
	}
	if w.V != nil {
		r.Text = *w.V
	}
	return nil
}
