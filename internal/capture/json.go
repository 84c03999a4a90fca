package capture

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Hara602/usbReplay/internal/model"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"go.uber.org/zap"
)

type jsonState int

const (
	stateKeys jsonState = iota // 顶层对象的键
	stateData                  // "data" 数组内部
	stateDone
)

// jsonSource 按 token 流式解码 usbrply JSON: {"data": [...], ...}
// 记录逐条解码，不会把整个 data 数组读进内存
type jsonSource struct {
	dec   *json.Decoder
	state jsonState
	meta  model.Metadata
}

func newJSONSource(r io.Reader) (*jsonSource, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	return &jsonSource{dec: dec}, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: expected %q, got %v", ErrUnknownFormat, want, tok)
	}
	return nil
}

func (s *jsonSource) Next() (*model.Record, error) {
	for {
		switch s.state {
		case stateData:
			if s.dec.More() {
				var r model.Record
				if err := s.dec.Decode(&r); err != nil {
					return nil, fmt.Errorf("json record: %w", err)
				}
				return &r, nil
			}
			if err := expectDelim(s.dec, ']'); err != nil {
				return nil, err
			}
			s.state = stateKeys

		case stateKeys:
			if !s.dec.More() {
				if err := expectDelim(s.dec, '}'); err != nil {
					return nil, err
				}
				s.state = stateDone
				continue
			}
			tok, err := s.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: %w", err)
			}
			key, _ := tok.(string)
			if key == "data" {
				s.meta.DataAt = len(s.meta.Entries)
				if err := expectDelim(s.dec, '['); err != nil {
					return nil, err
				}
				s.state = stateData
				continue
			}
			var raw json.RawMessage
			if err := s.dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("json %q: %w", key, err)
			}
			if reservedKeys[key] {
				// 例如重新读入本工具输出的 JSON，设备映射由过滤阶段重新生成
				sysutil.Log.Debug("ignoring reserved capture key", zap.String("key", key))
				continue
			}
			s.meta.Add(key, raw)

		case stateDone:
			return nil, io.EOF
		}
	}
}

func (s *jsonSource) Metadata() *model.Metadata {
	return &s.meta
}
