// Package filter 只保留目标 VID/PID 设备的流量
//
// 设备号是抓包内的总线地址，枚举过程中会变化，所以目标设备要先从
// GET_DESCRIPTOR 的设备描述符应答里认出来，之后才能按设备号过滤。
package filter

import (
	"fmt"
	"io"

	"github.com/Hara602/usbReplay/internal/analysis"
	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"go.uber.org/zap"
)

// Config 目标 VID/PID，nil 表示通配；两者都为 nil 时不过滤
type Config struct {
	Vendor  *uint16
	Product *uint16
}

// Enabled 是否配置了过滤目标
func (c Config) Enabled() bool {
	return c.Vendor != nil || c.Product != nil
}

// Matches 已配置的字段必须全部相等
func (c Config) Matches(id model.VidPid) bool {
	if c.Vendor != nil && *c.Vendor != id.Vendor {
		return false
	}
	if c.Product != nil && *c.Product != id.Product {
		return false
	}
	return true
}

func (c Config) String() string {
	if !c.Enabled() {
		return "None"
	}
	format := func(v *uint16) string {
		if v == nil {
			return "None"
		}
		return fmt.Sprintf("%04x", *v)
	}
	return format(c.Vendor) + ":" + format(c.Product)
}

// BindState keep_device 的绑定状态
//
//	Unbound --匹配--> Bound --匹配到另一个设备号--> Rebound
//	Rebound --匹配到另一个设备号--> Rebound (每次都告警)
//
// 绑定只会被改写，不会被清除；最后一次匹配生效
type BindState int

const (
	Unbound BindState = iota
	Bound
	Rebound
)

func (s BindState) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Rebound:
		return "rebound"
	}
	return "unknown"
}

// Summary 流耗尽之后的统计结果
type Summary struct {
	Entries  int
	Drops    int
	Devices  model.IdentityMap
	Warnings []string
	State    BindState
	// KeepDevice 仅在 State != Unbound 时有效
	KeepDevice int
}

// VidPidFilter 本身也是一个 model.Stream
type VidPidFilter struct {
	cfg     Config
	src     model.Stream
	pending []*model.Record
	done    bool
	summary Summary
}

func New(cfg Config, src model.Stream) *VidPidFilter {
	sysutil.Log.Debug("vidpid filter", zap.String("want", cfg.String()))
	return &VidPidFilter{
		cfg:     cfg,
		src:     src,
		summary: Summary{Devices: model.IdentityMap{}},
	}
}

// Summary 只有在 Next 返回 io.EOF 之后才完整
func (f *VidPidFilter) Summary() *Summary {
	return &f.summary
}

func (f *VidPidFilter) Next() (*model.Record, error) {
	for {
		if len(f.pending) > 0 {
			r := f.pending[0]
			f.pending = f.pending[1:]
			return r, nil
		}
		if f.done {
			return nil, io.EOF
		}

		r, err := f.src.Next()
		if err == io.EOF {
			f.finish()
			continue
		}
		if err != nil {
			return nil, err
		}

		f.summary.Entries++
		drop, comments, err := f.shouldFilter(r)
		if err != nil {
			return nil, err
		}
		f.pending = append(f.pending, comments...)
		if drop {
			f.summary.Drops++
			f.logDrop(r)
			continue
		}
		f.pending = append(f.pending, r)
	}
}

func (f *VidPidFilter) finish() {
	f.done = true
	f.pending = append(f.pending, model.NewComment(fmt.Sprintf(
		"VidPidFilter: dropped %d / %d entries, want %s",
		f.summary.Drops, f.summary.Entries, f.cfg)))

	sysutil.Log.Debug("vidpid device mappings", zap.Int("count", len(f.summary.Devices)))
	for _, dev := range f.summary.Devices.Devices() {
		sysutil.Log.Debug("vidpid mapping",
			zap.Int("device", dev),
			zap.Stringer("vidpid", f.summary.Devices[dev]))
	}
}

func (f *VidPidFilter) shouldFilter(r *model.Record) (bool, []*model.Record, error) {
	dev, ok := r.DeviceID()
	// 注释 / 元数据
	if !ok {
		return false, nil, nil
	}

	if r.Kind == model.KindControlRead && analysis.IsGetDescriptor(r.RequestType, r.Request) {
		buff, err := r.Payload()
		if err != nil {
			return false, nil, err
		}
		// 设备描述符应答本身总是保留
		if len(buff) == analysis.DeviceDescriptorSize {
			return false, f.observe(dev, buff), nil
		}
	}

	if !f.cfg.Enabled() {
		return false, nil, nil
	}
	// 绑定之前的流量以及其他设备的流量全部丢弃
	keep := f.summary.State != Unbound && dev == f.summary.KeepDevice
	return !keep, nil, nil
}

// observe 记录描述符里的 VID/PID，匹配时绑定设备号
func (f *VidPidFilter) observe(dev int, buff []byte) []*model.Record {
	var desc analysis.DeviceDescriptor
	if err := analysis.ParseDeviceDescriptor(buff, &desc); err != nil {
		return nil
	}
	id := model.VidPid{Vendor: desc.VendorID, Product: desc.ProductID}
	f.summary.Devices[dev] = id
	sysutil.Log.Debug("vidpid",
		zap.Int("device", dev),
		zap.Stringer("vidpid", id),
		zap.String("class", analysis.ClassName(desc.DeviceClass)))

	if !f.cfg.Enabled() || !f.cfg.Matches(id) {
		return nil
	}
	// 同一设备先以地址 0 枚举，分配地址后再出现一次，只绑定后者
	if dev == 0 {
		return nil
	}
	return f.bind(dev, id)
}

func (f *VidPidFilter) bind(dev int, id model.VidPid) []*model.Record {
	var comments []*model.Record
	switch f.summary.State {
	case Unbound:
		comments = append(comments, model.NewComment(fmt.Sprintf(
			"VidPidFilter: match device %d w/ 0x%04X:0x%04X", dev, id.Vendor, id.Product)))
		f.summary.State = Bound
	case Bound, Rebound:
		if f.summary.KeepDevice != dev {
			msg := fmt.Sprintf("WARNING VidPidFilter: already had different device %d, rebinding to %d",
				f.summary.KeepDevice, dev)
			sysutil.Log.Warn("vidpid filter rebinding",
				zap.Int("old", f.summary.KeepDevice),
				zap.Int("new", dev))
			f.summary.Warnings = append(f.summary.Warnings, msg)
			comments = append(comments, model.NewComment(msg))
			f.summary.State = Rebound
		}
	}
	f.summary.KeepDevice = dev
	return comments
}

func (f *VidPidFilter) logDrop(r *model.Record) {
	fields := []zap.Field{zap.String("type", r.Name())}
	if dev, ok := r.DeviceID(); ok {
		fields = append(fields, zap.Int("device", dev))
	}
	if r.Kind == model.KindControlRead || r.Kind == model.KindControlWrite {
		fields = append(fields, zap.String("request", analysis.RequestName(r.RequestType, r.Request)))
	}
	sysutil.Log.Debug("vidpid filter drop", fields...)
}
