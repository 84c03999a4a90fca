package model

import "encoding/json"

// MetaEntry 抓包里记录数组以外的一个顶层条目
type MetaEntry struct {
	Key   string
	Value json.RawMessage
}

// Metadata 本工具不认识的顶层条目，按抓包中的顺序原样透传
type Metadata struct {
	Entries []MetaEntry
	// DataAt data 数组之前有几个条目，输出时 data 放回原位置
	DataAt int
}

// Add 追加一个条目
func (m *Metadata) Add(key string, value json.RawMessage) {
	m.Entries = append(m.Entries, MetaEntry{Key: key, Value: value})
}

// Get 返回第一个同名条目
func (m *Metadata) Get(key string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	for _, e := range m.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
