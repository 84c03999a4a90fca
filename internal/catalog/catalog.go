// Package catalog VID/PID 名称库 (SQLite)，只用于给操作者的诊断信息
package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Catalog usb.ids 导入后的厂商/产品名称
type Catalog struct {
	db *sql.DB
}

// Open 打开 (或创建) 名称库，path 为 ":memory:" 时只在本次运行内有效
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存库每个连接各自独立，只能用一个连接
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS vendors (
		vid INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS products (
		vid INTEGER,
		pid INTEGER,
		name TEXT NOT NULL,
		PRIMARY KEY (vid, pid)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Lookup 查询厂商名和产品名，查不到返回空串
func (c *Catalog) Lookup(vid, pid uint16) (vendor, product string, err error) {
	err = c.db.QueryRow("SELECT name FROM vendors WHERE vid = ?", vid).Scan(&vendor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", "", err
	}
	err = c.db.QueryRow("SELECT name FROM products WHERE vid = ? AND pid = ?", vid, pid).Scan(&product)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", "", err
	}
	return vendor, product, nil
}

// Counts 厂商数与产品数
func (c *Catalog) Counts() (vendors, products int, err error) {
	if err = c.db.QueryRow("SELECT COUNT(*) FROM vendors").Scan(&vendors); err != nil {
		return 0, 0, err
	}
	if err = c.db.QueryRow("SELECT COUNT(*) FROM products").Scan(&products); err != nil {
		return 0, 0, err
	}
	return vendors, products, nil
}
