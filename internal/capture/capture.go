// Package capture 读取抓包文件，产出按抓包顺序排列的事务记录
package capture

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Hara602/usbReplay/internal/analysis"
	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"github.com/dustin/go-humanize"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

var (
	// ErrUnknownFormat 文件头不是任何支持的抓包格式
	ErrUnknownFormat = errors.New("unknown capture format")

	// ErrUnsupportedLinkType pcap 不是 usbmon 抓包
	ErrUnsupportedLinkType = errors.New("unsupported link type")
)

// 这两个键留给过滤阶段，输入阶段不能以元数据形式产出
var reservedKeys = map[string]bool{
	"data":          true,
	"device2vidpid": true,
}

// source 具体格式的解码器
type source interface {
	model.Stream
	Metadata() *model.Metadata
}

// Capture 一个打开的抓包
type Capture struct {
	Format analysis.Format

	src     source
	counter *countingReader
	closers []io.Closer
	drained bool
}

// Open 打开抓包文件并自动识别格式
func Open(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture failed: %w", err)
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closers = append(c.closers, f)
	return c, nil
}

// NewCapture 从任意 reader 读取抓包，调用方负责关闭 r
func NewCapture(r io.Reader) (*Capture, error) {
	c := &Capture{counter: &countingReader{r: r}}
	if err := c.init(c.counter); err != nil {
		c.Close()
		return nil, err
	}
	sysutil.Log.Debug("capture opened", zap.String("format", string(c.Format)))
	return c, nil
}

func (c *Capture) init(r io.Reader) error {
	br := bufio.NewReader(r)
	// 文件比 HeaderSize 短时 Peek 会返回 EOF，已读到的部分照样可以判断
	head, _ := br.Peek(analysis.HeaderSize)
	format := analysis.DetectFormat(head)

	var err error
	switch format {
	case analysis.FormatGzip:
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			return fmt.Errorf("gzip: %w", gzErr)
		}
		c.closers = append(c.closers, gz)
		return c.init(gz)
	case analysis.FormatJSON:
		c.src, err = newJSONSource(br)
	case analysis.FormatPcap:
		pr, pErr := pcapgo.NewReader(br)
		if pErr != nil {
			return fmt.Errorf("pcap: %w", pErr)
		}
		c.src, err = newUsbmonSource(pr)
	case analysis.FormatPcapNG:
		nr, nErr := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if nErr != nil {
			return fmt.Errorf("pcapng: %w", nErr)
		}
		c.src, err = newUsbmonSource(nr)
	default:
		return ErrUnknownFormat
	}
	c.Format = format
	return err
}

func (c *Capture) Next() (*model.Record, error) {
	r, err := c.src.Next()
	if err == io.EOF && !c.drained {
		c.drained = true
		sysutil.Log.Debug("capture drained",
			zap.String("format", string(c.Format)),
			zap.String("read", humanize.Bytes(c.counter.n)))
	}
	return r, err
}

// Metadata 抓包里除记录以外、本工具不认识的条目，原样透传
// JSON 格式下流耗尽后才完整
func (c *Capture) Metadata() *model.Metadata {
	return c.src.Metadata()
}

func (c *Capture) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
