package emitter

import (
	"bytes"
	"fmt"
	"strings"
)

// codeWriter 按缩进层级逐行输出源码，先全部写进内存
type codeWriter struct {
	buf    bytes.Buffer
	unit   string
	indent int
}

func newCodeWriter(unit string) *codeWriter {
	return &codeWriter{unit: unit}
}

// Line 空行不带缩进，行尾空白去掉
func (w *codeWriter) Line(format string, args ...any) {
	s := format
	if len(args) > 0 {
		s = fmt.Sprintf(format, args...)
	}
	s = strings.TrimRight(s, " \t")
	if s != "" {
		w.buf.WriteString(strings.Repeat(w.unit, w.indent))
		w.buf.WriteString(s)
	}
	w.buf.WriteByte('\n')
}

// Raw 原样写入，用于整段的模板
func (w *codeWriter) Raw(s string) {
	w.buf.WriteString(s)
}

func (w *codeWriter) Indent() { w.indent++ }

func (w *codeWriter) Dedent() {
	if w.indent > 0 {
		w.indent--
	}
}

func (w *codeWriter) Bytes() []byte {
	return w.buf.Bytes()
}
