package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/Hara602/usbReplay/internal/capture"
	"github.com/Hara602/usbReplay/internal/catalog"
	"github.com/Hara602/usbReplay/internal/config"
	"github.com/Hara602/usbReplay/internal/emitter"
	"github.com/Hara602/usbReplay/internal/filter"
	"github.com/Hara602/usbReplay/internal/pipeline"
	"github.com/Hara602/usbReplay/internal/sysutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:   "usbreplay [flags] <capture>",
		Short: "Turn a USB capture into a replay program",
		Long: "usbreplay reads a usbmon pcap/pcapng capture or a usbrply JSON file, keeps the\n" +
			"traffic of one device (selected by VID/PID) and prints a program that replays it.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Bind(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml/toml/json)")
	flags.String("vid", "", "only keep the device with this vendor id (hex)")
	flags.String("pid", "", "only keep the device with this product id (hex)")
	flags.BoolP("wrapper", "w", false, "emit a complete program (open/claim/reset/main)")
	flags.BoolP("sleep", "s", false, "reproduce delays between transactions")
	flags.Bool("packet-numbers", true, "reference capture packet numbers in validation messages")
	flags.BoolP("verbose", "v", false, "print diagnostics to stderr")
	flags.StringP("target", "t", "python", "output target: "+strings.Join(config.Targets, ", "))
	flags.StringP("output", "o", "", "write output to file instead of stdout")
	flags.String("catalog", "", "sqlite vid/pid name catalog")
	flags.String("usb-ids", "", `usb.ids file to import into the catalog ("auto" searches the usual locations)`)

	if err := cmd.Execute(); err != nil {
		// logger 可能还没初始化
		if !sysutil.Log.Core().Enabled(zap.ErrorLevel) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		sysutil.Log.Fatal("usbreplay failed", zap.Error(err))
	}
}

func run(cfg *config.Config, path string) error {
	// 初始化日志
	sysutil.InitLogger(cfg.Verbose)
	defer sysutil.Log.Sync()

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	if cat != nil {
		defer cat.Close()
	}

	c, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer c.Close()
	sysutil.Log.Info("capture", zap.String("path", path), zap.String("format", string(c.Format)))

	opts := pipeline.Options{
		Filter: filter.Config{Vendor: cfg.VendorID, Product: cfg.ProductID},
		Emit: emitter.Options{
			Wrapper:       cfg.Wrapper,
			Sleep:         cfg.Sleep,
			PacketNumbers: cfg.PacketNumbers,
			Verbose:       cfg.Verbose,
			Vendor:        cfg.VendorID,
			Product:       cfg.ProductID,
			Invocation:    strings.Join(os.Args, " "),
		},
		Target:  cfg.Target,
		Catalog: cat,
	}

	// 先写进内存，失败时不留下半截输出
	var out bytes.Buffer
	if _, err := pipeline.Run(c, &out, opts); err != nil {
		return err
	}
	if cfg.Output == "" {
		_, err = os.Stdout.Write(out.Bytes())
		return err
	}
	if err := os.WriteFile(cfg.Output, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write output failed: %w", err)
	}
	sysutil.Log.Info("wrote replay", zap.String("path", cfg.Output), zap.String("target", cfg.Target))
	return nil
}

func openCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog == "" && cfg.UsbIDs == "" {
		return nil, nil
	}
	path := cfg.Catalog
	if path == "" {
		path = ":memory:"
	}
	cat, err := catalog.Open(path)
	if err != nil {
		return nil, err
	}
	if cfg.UsbIDs != "" {
		f, err := openUsbIDs(cfg.UsbIDs)
		if err != nil {
			cat.Close()
			return nil, fmt.Errorf("open usb.ids failed: %w", err)
		}
		defer f.Close()
		vendors, products, err := cat.Import(f)
		if err != nil {
			cat.Close()
			return nil, err
		}
		sysutil.LogSugar.Debugf("catalog imported: %d vendors, %d products", vendors, products)
	}
	return cat, nil
}

func openUsbIDs(path string) (*os.File, error) {
	if path != "auto" {
		return os.Open(path)
	}
	for _, p := range catalog.DefaultUSBIDsPaths {
		if f, err := os.Open(p); err == nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("usb.ids not found in %s", strings.Join(catalog.DefaultUSBIDsPaths, ", "))
}
