package emitter

import (
	"fmt"
	"strings"
)

// BytesPerLine 负载字面量每行的字节数，保持生成代码可读、便于 diff
const BytesPerLine = 16

// byteSegments 把负载切成若干段 \xNN 转义串，每段最多 BytesPerLine 字节
// 空负载返回一个空段
func byteSegments(data []byte) []string {
	if len(data) == 0 {
		return []string{""}
	}
	var segments []string
	for start := 0; start < len(data); start += BytesPerLine {
		end := min(start+BytesPerLine, len(data))
		var sb strings.Builder
		for _, b := range data[start:end] {
			fmt.Fprintf(&sb, "\\x%02X", b)
		}
		segments = append(segments, sb.String())
	}
	return segments
}
