package analysis

import (
	"bytes"
	"sync"

	"github.com/h2non/filetype"
)

// Format 抓包文件格式
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatJSON    Format = "json"   // usbrply JSON
	FormatPcap    Format = "pcap"   // libpcap (usbmon)
	FormatPcapNG  Format = "pcapng" // pcapng (usbmon)
	FormatGzip    Format = "gz"     // 压缩过的抓包，解压后需要再判断一次
)

// HeaderSize 判断格式需要读取的文件头长度 (filetype 库建议 262 字节)
const HeaderSize = 262

var registerOnce sync.Once

// filetype 的匹配器是全局的，只注册一次
func registerMatchers() {
	registerOnce.Do(func() {
		filetype.AddMatcher(filetype.NewType(string(FormatPcap), "application/vnd.tcpdump.pcap"), isPcap)
		filetype.AddMatcher(filetype.NewType(string(FormatPcapNG), "application/x-pcapng"), isPcapNG)
		filetype.AddMatcher(filetype.NewType(string(FormatJSON), "application/json"), isJSON)
	})
}

func isPcap(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	magic := buf[:4]
	for _, m := range [][]byte{
		{0xD4, 0xC3, 0xB2, 0xA1}, // 微秒, 小端
		{0xA1, 0xB2, 0xC3, 0xD4}, // 微秒, 大端
		{0x4D, 0x3C, 0xB2, 0xA1}, // 纳秒, 小端
		{0xA1, 0xB2, 0x3C, 0x4D}, // 纳秒, 大端
	} {
		if bytes.Equal(magic, m) {
			return true
		}
	}
	return false
}

func isPcapNG(buf []byte) bool {
	return len(buf) >= 4 && bytes.Equal(buf[:4], []byte{0x0A, 0x0D, 0x0D, 0x0A})
}

func isJSON(buf []byte) bool {
	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// DetectFormat 根据文件头识别抓包格式，不认识的一律是 FormatUnknown
func DetectFormat(head []byte) Format {
	if len(head) == 0 {
		return FormatUnknown
	}
	registerMatchers()
	kind, _ := filetype.Match(head)

	switch format := Format(kind.Extension); format {
	case FormatJSON, FormatPcap, FormatPcapNG, FormatGzip:
		return format
	}
	return FormatUnknown
}
