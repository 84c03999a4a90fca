package emitter

import (
	"fmt"

	"github.com/Hara602/usbReplay/internal/model"
)

// Backend 某个目标运行时的代码生成
//
// 时序、注释和分发由 Emitter 负责，Backend 只管把单个调用渲染成源码。
// wrapper 模式下 Header 负责打开 replay 函数体，Footer 负责关闭它。
type Backend interface {
	Name() string
	IndentUnit() string
	Header(w *codeWriter, opts Options)
	Footer(w *codeWriter, opts Options, id model.VidPid)

	Comment(w *codeWriter, text string)
	Sleep(w *codeWriter, seconds float64)

	ControlRead(w *codeWriter, r *model.Record, expected []byte, label string)
	ControlWrite(w *codeWriter, r *model.Record, payload []byte)
	BulkRead(w *codeWriter, r *model.Record, expected []byte, label string)
	BulkWrite(w *codeWriter, r *model.Record, payload []byte)
	InterruptIn(w *codeWriter, r *model.Record, expected []byte, label string)
	InterruptOut(w *codeWriter, r *model.Record, payload []byte)
}

// Targets 支持的代码生成目标
var Targets = []string{"python", "gousb"}

// NewBackend 按名字选择目标
func NewBackend(target string) (Backend, error) {
	switch target {
	case "python", "":
		return pythonBackend{}, nil
	case "gousb":
		return gousbBackend{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
}
