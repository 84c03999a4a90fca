// Package emitter 把过滤后的记录流渲染成可独立运行的重放程序
package emitter

import (
	"fmt"
	"io"

	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"go.uber.org/zap"
)

// minSleep 小于 1ms 的间隔不还原
const minSleep = 0.001

// Options 代码生成选项
type Options struct {
	Wrapper       bool // 生成带 open/claim/reset/main 的完整程序
	Sleep         bool // 还原事务之间的时间间隔
	PacketNumbers bool // 校验失败信息里带上原始包序号
	Verbose       bool // 向操作者输出诊断 (不会写进生成的代码)

	// 显式指定的 VID/PID，未指定时从设备映射推断
	Vendor  *uint16
	Product *uint16

	// Invocation 写进文件头，方便追溯生成方式
	Invocation string
}

// Emitter 代码生成器，本身无状态，同样的输入总是得到同样的输出
type Emitter struct {
	backend Backend
	opts    Options
}

func New(backend Backend, opts Options) *Emitter {
	return &Emitter{backend: backend, opts: opts}
}

// Emit 在内存中渲染完整程序，全部成功后才写入 w
// devices 必须是已经耗尽的过滤流给出的设备映射
func (e *Emitter) Emit(w io.Writer, records []*model.Record, devices model.IdentityMap) error {
	var id model.VidPid
	if e.opts.Wrapper {
		var err error
		if id, err = e.resolveIdentity(devices); err != nil {
			return err
		}
	}

	cw := newCodeWriter(e.backend.IndentUnit())
	e.backend.Header(cw, e.opts)

	// 上一条非注释记录，用于计算时间间隔
	var prev *model.Record
	for _, r := range records {
		if err := e.emitRecord(cw, r, prev); err != nil {
			return err
		}
		if r.Kind != model.KindComment {
			prev = r
		}
	}

	if e.opts.Wrapper {
		e.backend.Footer(cw, e.opts, id)
	}
	_, err := w.Write(cw.Bytes())
	return err
}

func (e *Emitter) resolveIdentity(devices model.IdentityMap) (model.VidPid, error) {
	if e.opts.Vendor != nil && e.opts.Product != nil {
		return model.VidPid{Vendor: *e.opts.Vendor, Product: *e.opts.Product}, nil
	}
	// 只指定了一半时，只在与之相符的条目里推断另一半
	var candidates []model.VidPid
	for _, dev := range devices.Devices() {
		v := devices[dev]
		if e.opts.Vendor != nil && v.Vendor != *e.opts.Vendor {
			continue
		}
		if e.opts.Product != nil && v.Product != *e.opts.Product {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) != 1 {
		return model.VidPid{}, fmt.Errorf("%w: found %d device entries", ErrAmbiguousDevice, len(candidates))
	}
	return candidates[0], nil
}

func (e *Emitter) emitRecord(cw *codeWriter, r *model.Record, prev *model.Record) error {
	if e.opts.Sleep && prev != nil && r.Kind != model.KindComment {
		dt, err := elapsed(prev, r)
		if err != nil {
			return err
		}
		if dt >= minSleep {
			e.backend.Sleep(cw, dt)
		}
	}

	if r.Kind == model.KindComment {
		e.backend.Comment(cw, r.Text)
		return nil
	}
	for _, c := range r.Comments {
		e.backend.Comment(cw, c)
	}

	label := e.packetLabel(r)
	switch r.Kind {
	case model.KindControlRead:
		expected, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.ControlRead(cw, r, expected, label)
	case model.KindControlWrite:
		payload, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.ControlWrite(cw, r, payload)
	case model.KindBulkRead:
		expected, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.BulkRead(cw, r, expected, label)
	case model.KindBulkWrite:
		// 关心的是 submit 时的数据，不是 ack
		payload, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.BulkWrite(cw, r, payload)
	case model.KindInterruptIn:
		expected, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.InterruptIn(cw, r, expected, label)
	case model.KindInterruptOut:
		payload, err := r.Payload()
		if err != nil {
			return err
		}
		e.backend.InterruptOut(cw, r, payload)
	case model.KindIrpInfo:
		e.backend.Comment(cw, fmt.Sprintf("IRP_INFO(): func %s", irpFunc(r)))
	case model.KindAbortPipe:
		e.backend.Comment(cw, "ABORT_PIPE()")
	default:
		if e.opts.Verbose {
			sysutil.Log.Warn("emitter dropping record",
				zap.String("backend", e.backend.Name()),
				zap.String("type", r.Name()))
		}
	}
	return nil
}

func (e *Emitter) packetLabel(r *model.Record) string {
	if e.opts.PacketNumbers && r.Submit != nil && r.Complete != nil {
		return fmt.Sprintf("packet %d/%d", r.Submit.Packn, r.Complete.Packn)
	}
	// TODO: 按输出顺序计数，而不是引用抓包序号
	return "packet"
}

// elapsed 两条记录 submit 时间戳之差 (秒)
func elapsed(prev, cur *model.Record) (float64, error) {
	t0, ok0 := prev.Submit.Time()
	t1, ok1 := cur.Submit.Time()
	if !ok0 || !ok1 {
		return 0, fmt.Errorf("%w: requested sleep but %s record has no time reference", ErrNoTimestamps, cur.Name())
	}
	return t1 - t0, nil
}

func irpFunc(r *model.Record) string {
	if r.Submit == nil || r.Submit.URB == nil {
		return "unknown"
	}
	return r.Submit.URB.FuncName
}
