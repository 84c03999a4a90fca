package emitter

import (
	"fmt"
	"strings"

	"github.com/Hara602/usbReplay/internal/model"
)

// pythonBackend 生成基于 python-libusb1 (usb1) 的 Python 3 脚本
type pythonBackend struct{}

func (pythonBackend) Name() string       { return "python" }
func (pythonBackend) IndentUnit() string { return "    " }

const pythonImports = `import binascii
import time
import usb1

`

// 校验失败只打印，不中断，一次运行暴露所有差异
const pythonWrapperHeader = `def validate_read(expected, actual, msg):
    if expected != actual:
        print('Failed %s' % msg)
        print('  Expected; %s' % binascii.hexlify(expected,))
        print('  Actual:   %s' % binascii.hexlify(actual,))
        #raise Exception("failed validate: %s" % msg)

def replay(dev):
    def bulkRead(endpoint, length, timeout=None):
        return dev.bulkRead(endpoint, length, timeout=(1000 if timeout is None else timeout))

    def bulkWrite(endpoint, data, timeout=None):
        dev.bulkWrite(endpoint, data, timeout=(1000 if timeout is None else timeout))

    def controlRead(bRequestType, bRequest, wValue, wIndex, wLength,
                    timeout=None):
        return dev.controlRead(bRequestType, bRequest, wValue, wIndex, wLength,
                    timeout=(1000 if timeout is None else timeout))

    def controlWrite(bRequestType, bRequest, wValue, wIndex, data,
                     timeout=None):
        dev.controlWrite(bRequestType, bRequest, wValue, wIndex, data,
                     timeout=(1000 if timeout is None else timeout))

    def interruptRead(endpoint, size, timeout=None):
        return dev.interruptRead(endpoint, size,
                    timeout=(1000 if timeout is None else timeout))

    def interruptWrite(endpoint, data, timeout=None):
        dev.interruptWrite(endpoint, data, timeout=(1000 if timeout is None else timeout))

`

const pythonFooter = `
def open_dev(vid_want, pid_want, usbcontext=None):
    if usbcontext is None:
        usbcontext = usb1.USBContext()

    print("Scanning for devices...")
    for udev in usbcontext.getDeviceList(skip_on_error=True):
        vid = udev.getVendorID()
        pid = udev.getProductID()
        if (vid, pid) == (vid_want, pid_want):
            print("Found device")
            print("Bus %%03i Device %%03i: ID %%04x:%%04x" %% (
                udev.getBusNumber(),
                udev.getDeviceAddress(),
                vid,
                pid))
            return udev.open()
    raise Exception("Failed to find a device")

def main():
    import argparse

    vid_want = 0x%04X
    pid_want = 0x%04X
    parser = argparse.ArgumentParser(description="Replay captured USB packets")
    args = parser.parse_args()

    usbcontext = usb1.USBContext()
    dev = open_dev(vid_want, pid_want, usbcontext)
    dev.claimInterface(0)
    dev.resetDevice()
    replay(dev)

if __name__ == "__main__":
    main()
`

func (pythonBackend) Header(w *codeWriter, opts Options) {
	w.Line("#!/usr/bin/env python3")
	w.Line("# Generated by usbreplay")
	w.Line("# cmd: %s", opts.Invocation)
	w.Line("")
	if !opts.Wrapper {
		return
	}
	w.Raw(pythonImports)
	w.Line("")
	w.Raw(pythonWrapperHeader)
	w.Indent()
}

func (pythonBackend) Footer(w *codeWriter, opts Options, id model.VidPid) {
	w.Dedent()
	w.Raw(fmt.Sprintf(pythonFooter, id.Vendor, id.Product))
}

func (pythonBackend) Comment(w *codeWriter, text string) {
	for _, line := range strings.Split(text, "\n") {
		w.Line("# %s", line)
	}
}

func (pythonBackend) Sleep(w *codeWriter, seconds float64) {
	w.Line("time.sleep(%.3f)", seconds)
}

// pythonBytes 渲染 bytes 字面量，多段依靠括号内的隐式拼接
func pythonBytes(data []byte) string {
	segments := byteSegments(data)
	for i, s := range segments {
		segments[i] = `b"` + s + `"`
	}
	return strings.Join(segments, "\n            ")
}

func (pythonBackend) ControlRead(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = controlRead(0x%02X, 0x%02X, 0x%04X, 0x%04X, %d)",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
	w.Line("validate_read(%s, buff, \"%s\")", pythonBytes(expected), label)
}

func (pythonBackend) ControlWrite(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("controlWrite(0x%02X, 0x%02X, 0x%04X, 0x%04X, %s)",
		r.RequestType, r.Request, r.Value, r.Index, pythonBytes(payload))
}

func (pythonBackend) BulkRead(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = bulkRead(0x%02X, 0x%04X)", r.Endpoint, r.Len)
	w.Line("validate_read(%s, buff, \"%s\")", pythonBytes(expected), label)
}

func (pythonBackend) BulkWrite(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("bulkWrite(0x%02X, %s)", r.Endpoint, pythonBytes(payload))
}

func (pythonBackend) InterruptIn(w *codeWriter, r *model.Record, expected []byte, label string) {
	w.Line("buff = interruptRead(0x%02X, 0x%04X)", r.Endpoint, r.Len)
	w.Line("validate_read(%s, buff, \"%s\")", pythonBytes(expected), label)
}

func (pythonBackend) InterruptOut(w *codeWriter, r *model.Record, payload []byte) {
	w.Line("interruptWrite(0x%02X, %s)", r.Endpoint, pythonBytes(payload))
}
