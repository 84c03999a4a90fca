// Package pipeline 把抓包源、VID/PID 过滤和代码生成串起来
package pipeline

import (
	"fmt"
	"io"

	"github.com/Hara602/usbReplay/internal/capture"
	"github.com/Hara602/usbReplay/internal/catalog"
	"github.com/Hara602/usbReplay/internal/emitter"
	"github.com/Hara602/usbReplay/internal/filter"
	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"go.uber.org/zap"
)

// Source 抓包源：记录流加上透传的元数据
type Source interface {
	model.Stream
	Metadata() *model.Metadata
}

// Options 一次转换的选项
type Options struct {
	Filter filter.Config
	Emit   emitter.Options
	// Target python / gousb / json
	Target string
	// Catalog 可选，用于在日志里给设备映射标上名字
	Catalog *catalog.Catalog
}

// Run 过滤后物化一次，拿到完整的设备映射再生成输出
// 任何致命错误都不会向 w 写入半截内容
func Run(src Source, w io.Writer, opts Options) (*filter.Summary, error) {
	f := filter.New(opts.Filter, src)
	records, err := model.Collect(f)
	if err != nil {
		return nil, err
	}
	summary := f.Summary()

	sysutil.Log.Info("vidpid filter done",
		zap.Int("entries", summary.Entries),
		zap.Int("drops", summary.Drops),
		zap.Int("devices", len(summary.Devices)),
		zap.Stringer("state", summary.State))
	logDevices(summary.Devices, opts.Catalog)

	if opts.Target == "json" {
		return summary, capture.WriteJSON(w, records, summary.Devices, src.Metadata())
	}

	backend, err := emitter.NewBackend(opts.Target)
	if err != nil {
		return nil, err
	}
	if err := emitter.New(backend, opts.Emit).Emit(w, records, summary.Devices); err != nil {
		return nil, fmt.Errorf("%s: %w", backend.Name(), err)
	}
	return summary, nil
}

func logDevices(devices model.IdentityMap, cat *catalog.Catalog) {
	for _, dev := range devices.Devices() {
		id := devices[dev]
		fields := []zap.Field{zap.Int("device", dev), zap.Stringer("vidpid", id)}
		if cat != nil {
			vendor, product, err := cat.Lookup(id.Vendor, id.Product)
			if err != nil {
				sysutil.Log.Warn("catalog lookup failed", zap.Error(err))
			} else {
				fields = append(fields, zap.String("vendor", vendor), zap.String("product", product))
			}
		}
		sysutil.Log.Info("device", fields...)
	}
}
