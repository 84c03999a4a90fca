// Package config 从命令行参数、环境变量 (USBREPLAY_*) 和可选的配置文件加载运行配置
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Hara602/usbReplay/internal/emitter"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 USBREPLAY_VID
const EnvPrefix = "USBREPLAY"

// Targets 支持的输出目标: 各代码生成目标加上 json
var Targets = append(slices.Clone(emitter.Targets), "json")

// Config 一次运行的全部配置
type Config struct {
	// Vendor / Product 过滤目标，十六进制，0x 前缀可选；空串表示不限
	Vendor  string `mapstructure:"vid"`
	Product string `mapstructure:"pid"`

	Wrapper       bool `mapstructure:"wrapper"`
	Sleep         bool `mapstructure:"sleep"`
	PacketNumbers bool `mapstructure:"packet-numbers"`
	Verbose       bool `mapstructure:"verbose"`

	// Target 输出目标: python / gousb / json
	Target string `mapstructure:"target"`
	// Output 输出文件，空表示 stdout
	Output string `mapstructure:"output"`

	// Catalog VID/PID 名称库路径 (SQLite)，UsbIDs 为要导入的 usb.ids
	Catalog string `mapstructure:"catalog"`
	UsbIDs  string `mapstructure:"usb-ids"`

	VendorID  *uint16 `mapstructure:"-"`
	ProductID *uint16 `mapstructure:"-"`
}

// Bind 把命令行参数绑定到 viper，并设置环境变量与配置文件
// configFile 为空时不读配置文件
func Bind(flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vid", "")
	v.SetDefault("pid", "")
	v.SetDefault("wrapper", false)
	v.SetDefault("sleep", false)
	v.SetDefault("packet-numbers", true)
	v.SetDefault("verbose", false)
	v.SetDefault("target", "python")
	v.SetDefault("output", "")
	v.SetDefault("catalog", "")
	v.SetDefault("usb-ids", "")
}

// Load 从 viper 构建并校验 Config
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Target == "" {
		cfg.Target = "python"
	}
	if !slices.Contains(Targets, cfg.Target) {
		return nil, fmt.Errorf("config: unknown target %q (want one of %s)", cfg.Target, strings.Join(Targets, ", "))
	}

	var err error
	if cfg.VendorID, err = ParseID(cfg.Vendor); err != nil {
		return nil, fmt.Errorf("config: vid: %w", err)
	}
	if cfg.ProductID, err = ParseID(cfg.Product); err != nil {
		return nil, fmt.Errorf("config: pid: %w", err)
	}
	if cfg.Target == "json" && cfg.Wrapper {
		return nil, errors.New("config: wrapper has no meaning for the json target")
	}
	return &cfg, nil
}

// ParseID 解析 16 位十六进制 ID
// 空串和 0 都视为未指定
func ParseID(s string) (*uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	id := uint16(n)
	return &id, nil
}
