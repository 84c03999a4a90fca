package capture

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Hara602/usbReplay/internal/analysis"
	"github.com/Hara602/usbReplay/internal/model"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const sampleJSON = `{
  "device2vidpid": {"9": [1, 2]},
  "fn": "capture.pcapng",
  "data": [
    {"type": "comment", "v": "hello"},
    {"type": "controlRead", "device": 3, "bRequestType": 128, "bRequest": 6,
     "wValue": 256, "wIndex": 0, "wLength": 18,
     "data": "120100020000004034127856000101020301",
     "submit": {"packn": 1, "t": 0.5}, "complete": {"packn": 2, "t": 0.501}},
    {"type": "bulkWrite", "device": 3, "endp": 2, "len": 2, "data": "abcd"}
  ],
  "args": {"wrapper": true}
}`

func devID(r *model.Record) int {
	id, ok := r.DeviceID()
	if !ok {
		return -1
	}
	return id
}

func collect(t *testing.T, c *Capture) []*model.Record {
	t.Helper()
	records, err := model.Collect(c)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return records
}

func TestJSONCapture(t *testing.T) {
	c, err := NewCapture(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	defer c.Close()

	if c.Format != analysis.FormatJSON {
		t.Errorf("Format = %q, want json", c.Format)
	}
	records := collect(t, c)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Kind != model.KindComment || records[0].Text != "hello" {
		t.Errorf("records[0] = %+v", records[0])
	}
	if records[1].Kind != model.KindControlRead || devID(records[1]) != 3 || records[1].Length != 18 {
		t.Errorf("records[1] = %+v", records[1])
	}
	if records[2].Kind != model.KindBulkWrite || records[2].Endpoint != 2 {
		t.Errorf("records[2] = %+v", records[2])
	}

	meta := c.Metadata()
	if _, ok := meta.Get("device2vidpid"); ok {
		t.Errorf("reserved key leaked into metadata")
	}
	if fn, _ := meta.Get("fn"); string(fn) != `"capture.pcapng"` {
		t.Errorf("meta[fn] = %s", fn)
	}
	if _, ok := meta.Get("args"); !ok {
		t.Errorf("metadata after data array missing")
	}
	if meta.DataAt != 1 {
		t.Errorf("DataAt = %d, want 1", meta.DataAt)
	}
}

func TestJSONCaptureRejectsNonObject(t *testing.T) {
	// 以 '{' 开头才会被识别为 JSON
	_, err := NewCapture(strings.NewReader(`[1, 2, 3]`))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("error = %v, want ErrUnknownFormat", err)
	}
}

func TestJSONCaptureBadRecord(t *testing.T) {
	c, err := NewCapture(strings.NewReader(`{"data": [{"type": "bulkWrite", "device": "x"}]}`))
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	if _, err := model.Collect(c); err == nil {
		t.Errorf("expected decode error")
	}
}

func TestGzipJSONCapture(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(sampleJSON))
	gz.Close()

	c, err := NewCapture(&buf)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	defer c.Close()
	if c.Format != analysis.FormatJSON {
		t.Errorf("Format = %q, want json after gunzip", c.Format)
	}
	if n := len(collect(t, c)); n != 3 {
		t.Errorf("got %d records, want 3", n)
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := NewCapture(strings.NewReader("not a capture"))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("error = %v, want ErrUnknownFormat", err)
	}
}

type usbmonEvent struct {
	hdr     usbmonHeader
	payload []byte
}

// usbmonPackets 组装数据包，220 (mmapped) 的头部补零到 64 字节
func usbmonPackets(t *testing.T, link layers.LinkType, events []usbmonEvent) [][]byte {
	t.Helper()
	var packets [][]byte
	for _, ev := range events {
		var pkt bytes.Buffer
		if err := binary.Write(&pkt, binary.LittleEndian, ev.hdr); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
		if link == layers.LinkTypeLinuxUSB {
			pkt.Write(make([]byte, usbmonMmappedHeaderSize-usbmonHeaderSize))
		}
		pkt.Write(ev.payload)
		packets = append(packets, pkt.Bytes())
	}
	return packets
}

func captureInfo(i int, data []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000, 0).Add(time.Duration(i) * time.Millisecond),
		CaptureLength: len(data),
		Length:        len(data),
	}
}

func writeUsbmon(t *testing.T, link layers.LinkType, events []usbmonEvent) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, link); err != nil {
		t.Fatalf("WriteFileHeader: %v", err)
	}
	for i, data := range usbmonPackets(t, link, events) {
		if err := w.WritePacket(captureInfo(i, data), data); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	return &buf
}

func writeUsbmonNg(t *testing.T, link layers.LinkType, events []usbmonEvent) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, link)
	if err != nil {
		t.Fatalf("NewNgWriter: %v", err)
	}
	for i, data := range usbmonPackets(t, link, events) {
		if err := w.WritePacket(captureInfo(i, data), data); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return &buf
}

func usbmonEvents() []usbmonEvent {
	descriptor := []byte{0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40, 0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01}
	getDescriptor := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	vendorOut := [8]byte{0x40, 0x01, 0x34, 0x12, 0x00, 0x00, 0x02, 0x00}
	return []usbmonEvent{
		{hdr: usbmonHeader{ID: 1, EventType: 'S', TransferType: xferControl, Endpoint: 0x80, Device: 3, Length: 18, Setup: getDescriptor}},
		{hdr: usbmonHeader{ID: 2, EventType: 'S', TransferType: xferBulk, Endpoint: 0x02, Device: 3, SetupFlag: '-', Length: 2, LenCap: 2}, payload: []byte{0xab, 0xcd}},
		{hdr: usbmonHeader{ID: 1, EventType: 'C', TransferType: xferControl, Endpoint: 0x80, Device: 3, SetupFlag: '-', Length: 18, LenCap: 18}, payload: descriptor},
		{hdr: usbmonHeader{ID: 2, EventType: 'C', TransferType: xferBulk, Endpoint: 0x02, Device: 3, SetupFlag: '-', Status: -32, Length: 2}},
		// 没有对应 submit 的 complete
		{hdr: usbmonHeader{ID: 7, EventType: 'C', TransferType: xferBulk, Endpoint: 0x81, Device: 3, SetupFlag: '-'}},
		{hdr: usbmonHeader{ID: 3, EventType: 'S', TransferType: xferInterrupt, Endpoint: 0x81, Device: 3, SetupFlag: '-', Length: 8}},
		{hdr: usbmonHeader{ID: 3, EventType: 'C', TransferType: xferInterrupt, Endpoint: 0x81, Device: 3, SetupFlag: '-', Length: 4, LenCap: 4}, payload: []byte{1, 2, 3, 4}},
		{hdr: usbmonHeader{ID: 4, EventType: 'S', TransferType: xferIsochronous, Endpoint: 0x83, Device: 3, SetupFlag: '-'}},
		{hdr: usbmonHeader{ID: 4, EventType: 'C', TransferType: xferIsochronous, Endpoint: 0x83, Device: 3, SetupFlag: '-'}},
		// 厂商自定义的 OUT 请求，方向只看 bmRequestType
		{hdr: usbmonHeader{ID: 5, EventType: 'S', TransferType: xferControl, Device: 3, Length: 2, LenCap: 2, Setup: vendorOut}, payload: []byte{0xde, 0xad}},
		{hdr: usbmonHeader{ID: 5, EventType: 'C', TransferType: xferControl, Device: 3, SetupFlag: '-'}},
	}
}

func checkUsbmonRecords(t *testing.T, records []*model.Record) {
	t.Helper()
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	ctrl := records[0]
	if ctrl.Kind != model.KindControlRead || devID(ctrl) != 3 {
		t.Errorf("ctrl = %+v", ctrl)
	}
	if ctrl.RequestType != 0x80 || ctrl.Request != 0x06 || ctrl.Value != 0x0100 || ctrl.Length != 18 {
		t.Errorf("setup = %02x %02x %04x %d", ctrl.RequestType, ctrl.Request, ctrl.Value, ctrl.Length)
	}
	if ctrl.Data != "120100020000004034127856000101020301" {
		t.Errorf("ctrl.Data = %s", ctrl.Data)
	}
	if ctrl.Submit.Packn != 1 || ctrl.Complete.Packn != 3 {
		t.Errorf("packn = %d/%d, want 1/3", ctrl.Submit.Packn, ctrl.Complete.Packn)
	}
	ts, _ := ctrl.Submit.Time()
	tc, _ := ctrl.Complete.Time()
	if dt := tc - ts; dt < 0.0019 || dt > 0.0021 {
		t.Errorf("dt = %f, want 0.002", dt)
	}

	bulk := records[1]
	if bulk.Kind != model.KindBulkWrite || bulk.Endpoint != 0x02 || bulk.Data != "abcd" || bulk.Len != 2 {
		t.Errorf("bulk = %+v", bulk)
	}
	if len(bulk.Comments) != 1 || bulk.Comments[0] != "status -32" {
		t.Errorf("bulk.Comments = %v", bulk.Comments)
	}

	intr := records[2]
	if intr.Kind != model.KindInterruptIn || intr.Endpoint != 0x81 || intr.Len != 8 || intr.Data != "01020304" {
		t.Errorf("intr = %+v", intr)
	}

	out := records[3]
	if out.Kind != model.KindControlWrite || out.RequestType != 0x40 || out.Value != 0x1234 || out.Data != "dead" {
		t.Errorf("control write = %+v", out)
	}
}

func TestUsbmonCapture(t *testing.T) {
	tests := []struct {
		name   string
		write  func(*testing.T, layers.LinkType, []usbmonEvent) *bytes.Buffer
		link   layers.LinkType
		format analysis.Format
	}{
		{"pcap usb linux", writeUsbmon, linkTypeLinuxUSB, analysis.FormatPcap},
		{"pcap usb linux mmapped", writeUsbmon, layers.LinkTypeLinuxUSB, analysis.FormatPcap},
		{"pcapng usb linux", writeUsbmonNg, linkTypeLinuxUSB, analysis.FormatPcapNG},
		{"pcapng usb linux mmapped", writeUsbmonNg, layers.LinkTypeLinuxUSB, analysis.FormatPcapNG},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCapture(tt.write(t, tt.link, usbmonEvents()))
			if err != nil {
				t.Fatalf("NewCapture: %v", err)
			}
			defer c.Close()
			if c.Format != tt.format {
				t.Errorf("Format = %q, want %q", c.Format, tt.format)
			}
			checkUsbmonRecords(t, collect(t, c))
			if c.Metadata() != nil {
				t.Errorf("usbmon capture has metadata")
			}
		})
	}
}

func TestUsbmonPcapGzipFile(t *testing.T) {
	raw := writeUsbmon(t, linkTypeLinuxUSB, usbmonEvents())
	path := filepath.Join(t.TempDir(), "capture.pcap.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	io.Copy(gz, raw)
	gz.Close()
	f.Close()

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	checkUsbmonRecords(t, collect(t, c))
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestUsbmonUnsupportedLinkType(t *testing.T) {
	buf := writeUsbmon(t, layers.LinkTypeEthernet, nil)
	_, err := NewCapture(buf)
	if !errors.Is(err, ErrUnsupportedLinkType) {
		t.Errorf("error = %v, want ErrUnsupportedLinkType", err)
	}
}

func TestWriteJSONReadBack(t *testing.T) {
	c, err := NewCapture(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	records := collect(t, c)
	devices := model.IdentityMap{3: {Vendor: 0x1234, Product: 0x5678}}

	var out bytes.Buffer
	if err := WriteJSON(&out, records, devices, c.Metadata()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if string(doc["device2vidpid"]) == "" || !strings.Contains(string(doc["device2vidpid"]), "4660") {
		t.Errorf("device2vidpid = %s", doc["device2vidpid"])
	}

	again, err := NewCapture(&out)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	back := collect(t, again)
	if len(back) != len(records) {
		t.Fatalf("read back %d records, want %d", len(back), len(records))
	}
	for i := range records {
		if back[i].Kind != records[i].Kind || back[i].Data != records[i].Data || devID(back[i]) != devID(records[i]) {
			t.Errorf("record %d: %+v != %+v", i, back[i], records[i])
		}
	}
	if fn, _ := again.Metadata().Get("fn"); string(fn) != `"capture.pcapng"` {
		t.Errorf("metadata not carried through: %+v", again.Metadata())
	}
}

// 输入里本工具没有建模的字段和顶层顺序都要原样保留
func TestWriteJSONPassthrough(t *testing.T) {
	const in = `{
    "fn": "capture.pcapng",
    "data": [
        {
            "type": "controlRead",
            "device": 3,
            "bRequestType": 128,
            "bRequest": 6,
            "wValue": 256,
            "wIndex": 0,
            "wLength": 18,
            "bDescriptorType": 1,
            "data": "120100020000004034127856000101020301",
            "submit": {"packn": 1, "t": 0.5, "urb": {"id": "0xffff8881"}},
            "complete": {"packn": 2, "t": 0.501, "status": 0, "urb": {"id": "0xffff8881"}}
        }
    ],
    "args": {"wrapper": true},
    "device2vidpid": {"9": [1, 2]}
}`
	c, err := NewCapture(strings.NewReader(in))
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	records := collect(t, c)
	// 过滤阶段合成的注释没有原文，按模型字段输出
	records = append(records, model.NewComment("VidPidFilter: dropped 0 / 1 entries, want None"))
	devices := model.IdentityMap{3: {Vendor: 0x1234, Product: 0x5678}}

	var out bytes.Buffer
	if err := WriteJSON(&out, records, devices, c.Metadata()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got := out.String()

	var order []int
	for _, key := range []string{`"fn"`, `"data"`, `"args"`, `"device2vidpid"`} {
		i := strings.Index(got, "\n    "+key+": ")
		if i < 0 {
			t.Fatalf("top-level %s missing\n%s", key, got)
		}
		order = append(order, i)
	}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Errorf("top-level keys out of order\n%s", got)
		}
	}

	var doc struct {
		Data []map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(doc.Data) != 2 {
		t.Fatalf("data has %d entries, want 2", len(doc.Data))
	}
	first := doc.Data[0]
	if string(first["bDescriptorType"]) != "1" {
		t.Errorf("bDescriptorType = %s", first["bDescriptorType"])
	}
	var submit, complete struct {
		Status *int `json:"status"`
		URB    struct {
			ID string `json:"id"`
		} `json:"urb"`
	}
	json.Unmarshal(first["submit"], &submit)
	json.Unmarshal(first["complete"], &complete)
	if submit.URB.ID != "0xffff8881" || complete.URB.ID != "0xffff8881" {
		t.Errorf("urb ids = %q / %q", submit.URB.ID, complete.URB.ID)
	}
	if complete.Status == nil || *complete.Status != 0 {
		t.Errorf("complete.status lost: %s", first["complete"])
	}
	if string(doc.Data[1]["type"]) != `"comment"` {
		t.Errorf("synthesized comment = %v", doc.Data[1])
	}

	again, err := NewCapture(&out)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	back := collect(t, again)
	if len(back) != 2 || back[0].Kind != model.KindControlRead || back[0].Length != 18 || back[1].Kind != model.KindComment {
		t.Errorf("read back = %+v", back)
	}
}
