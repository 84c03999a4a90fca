package capture

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/Hara602/usbReplay/internal/model"
)

const jsonIndent = "    "

type jsonField struct {
	key   string
	value any
}

// WriteJSON 以 usbrply JSON 格式输出记录，附带设备映射以及透传的元数据
// 元数据保持读入时的顺序，data 放回原位置，device2vidpid 在最后
// 输出可以再次作为输入读取
func WriteJSON(w io.Writer, records []*model.Record, devices model.IdentityMap, meta *model.Metadata) error {
	if records == nil {
		records = []*model.Record{}
	}
	if devices == nil {
		devices = model.IdentityMap{}
	}

	var entries []model.MetaEntry
	dataAt := 0
	if meta != nil {
		entries = meta.Entries
		dataAt = min(max(meta.DataAt, 0), len(entries))
	}
	fields := make([]jsonField, 0, len(entries)+2)
	appendMeta := func(es []model.MetaEntry) {
		for _, e := range es {
			if reservedKeys[e.Key] || e.Key == "data" {
				continue
			}
			fields = append(fields, jsonField{e.Key, e.Value})
		}
	}
	appendMeta(entries[:dataAt])
	fields = append(fields, jsonField{"data", records})
	appendMeta(entries[dataAt:])
	fields = append(fields, jsonField{"device2vidpid", devices})

	bw := bufio.NewWriter(w)
	bw.WriteString("{")
	for i, f := range fields {
		key, err := json.Marshal(f.key)
		if err != nil {
			return err
		}
		value, err := json.MarshalIndent(f.value, jsonIndent, jsonIndent)
		if err != nil {
			return err
		}
		if i > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n" + jsonIndent)
		bw.Write(key)
		bw.WriteString(": ")
		bw.Write(value)
	}
	bw.WriteString("\n}\n")
	return bw.Flush()
}
