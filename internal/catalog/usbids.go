package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultUSBIDsPaths usb.ids 的常见位置
var DefaultUSBIDsPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Import 导入 usb.ids，已有的条目会被覆盖，返回导入的 (厂商, 产品) 数量
//
// 厂商行: "xxxx  Vendor Name"
// 产品行: "\txxxx  Product Name"
// 其他段落 (C 类代码, L 语言等) 出现后当前厂商被重置
func (c *Catalog) Import(r io.Reader) (vendors, products int, err error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	vendorStmt, err := tx.Prepare("INSERT OR REPLACE INTO vendors(vid, name) VALUES (?, ?)")
	if err != nil {
		return 0, 0, err
	}
	defer vendorStmt.Close()
	productStmt, err := tx.Prepare("INSERT OR REPLACE INTO products(vid, pid, name) VALUES (?, ?, ?)")
	if err != nil {
		return 0, 0, err
	}
	defer productStmt.Close()

	scanner := bufio.NewScanner(r)
	var currentVID uint16
	haveVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// 产品行；两个 tab 的是接口行
			if !haveVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			id, name, ok := splitEntry(line[1:])
			if !ok {
				continue
			}
			if _, err := productStmt.Exec(currentVID, id, name); err != nil {
				return vendors, products, fmt.Errorf("insert product %04x:%04x: %w", currentVID, id, err)
			}
			products++
			continue
		}

		id, name, ok := splitEntry(line)
		if !ok {
			haveVendor = false
			continue
		}
		currentVID, haveVendor = id, true
		if _, err := vendorStmt.Exec(id, name); err != nil {
			return vendors, products, fmt.Errorf("insert vendor %04x: %w", id, err)
		}
		vendors++
	}
	if err := scanner.Err(); err != nil {
		return vendors, products, err
	}
	return vendors, products, tx.Commit()
}

// splitEntry 解析 "xxxx  Name"
func splitEntry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}
