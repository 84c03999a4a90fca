package analysis

import "fmt"

// bmRequestType 各字段掩码 (USB 2.0 Table 9-2)
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60

	RequestTypeDeviceToHost = 0x80 // IN

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40
)

// 标准请求码 (USB 2.0 Table 9-4)
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

var standardRequests = map[uint8]string{
	RequestGetStatus:        "GET_STATUS",
	RequestClearFeature:     "CLEAR_FEATURE",
	RequestSetFeature:       "SET_FEATURE",
	RequestSetAddress:       "SET_ADDRESS",
	RequestGetDescriptor:    "GET_DESCRIPTOR",
	RequestSetDescriptor:    "SET_DESCRIPTOR",
	RequestGetConfiguration: "GET_CONFIGURATION",
	RequestSetConfiguration: "SET_CONFIGURATION",
	RequestGetInterface:     "GET_INTERFACE",
	RequestSetInterface:     "SET_INTERFACE",
	RequestSynchFrame:       "SYNCH_FRAME",
}

// RequestName 把 control 请求翻译成可读名字，只用于诊断输出
func RequestName(requestType, request uint8) string {
	switch requestType & RequestTypeTypeMask {
	case RequestTypeStandard:
		if name, ok := standardRequests[request]; ok {
			return name
		}
		return fmt.Sprintf("STANDARD_0x%02X", request)
	case RequestTypeClass:
		return fmt.Sprintf("CLASS_0x%02X", request)
	case RequestTypeVendor:
		return fmt.Sprintf("VENDOR_0x%02X", request)
	}
	return fmt.Sprintf("RESERVED_0x%02X", request)
}

// IsGetDescriptor 标准 GET_DESCRIPTOR 请求
func IsGetDescriptor(requestType, request uint8) bool {
	return requestType&RequestTypeTypeMask == RequestTypeStandard && request == RequestGetDescriptor
}

// ClassName 设备类代码 -> 名字
// 03(HID) 与 08(存储) 同时出现在一个设备上通常是 BadUSB 的特征，诊断时单独标出
func ClassName(class uint8) string {
	switch class {
	case 0x00:
		return "PER_INTERFACE"
	case 0x01:
		return "AUDIO"
	case 0x02:
		return "COMM"
	case 0x03:
		return "HID"
	case 0x07:
		return "PRINTER"
	case 0x08:
		return "MASS_STORAGE"
	case 0x09:
		return "HUB"
	case 0x0A:
		return "DATA"
	case 0x0E:
		return "VIDEO"
	case 0xE0:
		return "WIRELESS"
	case 0xEF:
		return "MISC"
	case 0xFF:
		return "VENDOR_SPEC"
	}
	return "other"
}
