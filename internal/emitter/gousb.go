package emitter

import (
	"fmt"
	"math"
	"strings"

	"github.com/Hara602/usbReplay/internal/model"
)

// gousbBackend 生成基于 github.com/google/gousb 的 Go 程序
type gousbBackend struct{}

func (gousbBackend) Name() string       { return "gousb" }
func (gousbBackend) IndentUnit() string { return "\t" }

const gousbPrologue = `package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

const defaultTimeout = 1000 * time.Millisecond

var (
	dev  *gousb.Device
	intf *gousb.Interface
)

func validateRead(expected, actual []byte, msg string) {
	if !bytes.Equal(expected, actual) {
		fmt.Printf("Failed %s\n", msg)
		fmt.Printf("  Expected; %x\n", expected)
		fmt.Printf("  Actual:   %x\n", actual)
	}
}

func controlRead(bRequestType, bRequest uint8, wValue, wIndex, wLength uint16) []byte {
	buf := make([]byte, wLength)
	n, err := dev.Control(bRequestType, bRequest, wValue, wIndex, buf)
	if err != nil {
		log.Printf("controlRead: %v", err)
	}
	return buf[:n]
}

func controlWrite(bRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) {
	if _, err := dev.Control(bRequestType, bRequest, wValue, wIndex, data); err != nil {
		log.Printf("controlWrite: %v", err)
	}
}

func endpointRead(endpoint uint8, length int) []byte {
	ep, err := intf.InEndpoint(int(endpoint & 0x0F))
	if err != nil {
		log.Printf("read 0x%02X: %v", endpoint, err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	buf := make([]byte, length)
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		log.Printf("read 0x%02X: %v", endpoint, err)
	}
	return buf[:n]
}

func endpointWrite(endpoint uint8, data []byte) {
	ep, err := intf.OutEndpoint(int(endpoint & 0x0F))
	if err != nil {
		log.Printf("write 0x%02X: %v", endpoint, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if _, err := ep.WriteContext(ctx, data); err != nil {
		log.Printf("write 0x%02X: %v", endpoint, err)
	}
}

func bulkRead(endpoint uint8, length int) []byte {
	return endpointRead(endpoint, length)
}

func bulkWrite(endpoint uint8, data []byte) {
	endpointWrite(endpoint, data)
}

func interruptRead(endpoint uint8, length int) []byte {
	return endpointRead(endpoint, length)
}

func interruptWrite(endpoint uint8, data []byte) {
	endpointWrite(endpoint, data)
}

func replay() {
	var buff []byte
`

const gousbEpilogue = `
func openDev(ctx *gousb.Context, vidWant, pidWant gousb.ID) (*gousb.Device, error) {
	fmt.Println("Scanning for devices...")
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vidWant && desc.Product == pidWant
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find a device")
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	d := devs[0]
	fmt.Println("Found device")
	fmt.Printf("Bus %%03d Device %%03d: ID %%04x:%%04x\n", d.Desc.Bus, d.Desc.Address, uint16(vidWant), uint16(pidWant))
	return d, nil
}

func main() {
	vidWant := gousb.ID(0x%04X)
	pidWant := gousb.ID(0x%04X)

	ctx := gousb.NewContext()
	defer ctx.Close()

	d, err := openDev(ctx, vidWant, pidWant)
	if err != nil {
		log.Fatalf("open: %%v", err)
	}
	defer d.Close()
	d.ControlTimeout = defaultTimeout
	if err := d.SetAutoDetach(true); err != nil {
		log.Printf("auto detach: %%v", err)
	}

	i, done, err := d.DefaultInterface()
	if err != nil {
		log.Fatalf("claim interface 0: %%v", err)
	}
	defer done()
	if err := d.Reset(); err != nil {
		log.Printf("reset: %%v", err)
	}

	dev, intf = d, i
	replay()
}
`

func (gousbBackend) Header(w *codeWriter, opts Options) {
	w.Line("// Generated by usbreplay")
	w.Line("// cmd: %s", opts.Invocation)
	w.Line("")
	if opts.Wrapper {
		w.Raw(gousbPrologue)
		w.Indent()
		return
	}
	w.Line("var buff []byte")
}

func (gousbBackend) Footer(w *codeWriter, opts Options, id model.VidPid) {
	w.Line("_ = buff")
	w.Dedent()
	w.Line("}")
	w.Raw(fmt.Sprintf(gousbEpilogue, id.Vendor, id.Product))
}

func (gousbBackend) Comment(w *codeWriter, text string) {
	for _, line := range strings.Split(text, "\n") {
		w.Line("// %s", line)
	}
}

// Sleep 毫秒精度
func (gousbBackend) Sleep(w *codeWriter, seconds float64) {
	w.Line("time.Sleep(%d * time.Millisecond)", int64(math.Round(seconds*1000)))
}

// goBytes 多段字符串用 + 拼接，续行多缩进一级
// 字面量总是嵌在调用参数里，gofmt 在这一层不给 + 留空格
func goBytes(w *codeWriter, data []byte) string {
	segments := byteSegments(data)
	for i, s := range segments {
		segments[i] = `"` + s + `"`
	}
	cont := "+\n" + strings.Repeat(w.unit, w.indent+1)
	return "[]byte(" + strings.Join(segments, cont) + ")"
}

func (gousbBackend) ControlRead(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = controlRead(0x%02X, 0x%02X, 0x%04X, 0x%04X, %d)",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
	w.Line("validateRead(%s, buff, %q)", goBytes(w, expected), label)
}

func (gousbBackend) ControlWrite(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("controlWrite(0x%02X, 0x%02X, 0x%04X, 0x%04X, %s)",
		r.RequestType, r.Request, r.Value, r.Index, goBytes(w, payload))
}

func (gousbBackend) BulkRead(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = bulkRead(0x%02X, 0x%04X)", r.Endpoint, r.Len)
	w.Line("validateRead(%s, buff, %q)", goBytes(w, expected), label)
}

func (gousbBackend) BulkWrite(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("bulkWrite(0x%02X, %s)", r.Endpoint, goBytes(w, payload))
}

func (gousbBackend) InterruptIn(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = interruptRead(0x%02X, 0x%04X)", r.Endpoint, r.Len)
	w.Line("validateRead(%s, buff, %q)", goBytes(w, expected), label)
}

func (gousbBackend) InterruptOut(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("interruptWrite(0x%02X, %s)", r.Endpoint, goBytes(w, payload))
}
