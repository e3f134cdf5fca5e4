package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"

	"github.com/5G-MAG/rt-libflute/pkg/object"
	"github.com/5G-MAG/rt-libflute/pkg/receiver"
)

type AppConfig struct {
	Receiver ReceiverConfigSection `yaml:"receiver"`
}

type ReceiverConfigSection struct {
	Network ReceiverNetworkConfig `yaml:"network"`
	Flute   ReceiverFluteConfig   `yaml:"flute"`
	Ipsec   *IpsecConfig          `yaml:"ipsec,omitempty"`
	Logging LoggingConfig         `yaml:"logging"`
	Output  OutputConfig          `yaml:"output"`
}

type ReceiverNetworkConfig struct {
	Interface string `yaml:"interface"` // 本机地址，如 "0.0.0.0"
	Address   string `yaml:"address"`   // 组播地址
	Port      uint16 `yaml:"port"`
}

type ReceiverFluteConfig struct {
	TSI       uint64 `yaml:"tsi"`
	MaxAgeSec uint32 `yaml:"max_age_sec"` // 超龄对象的清理阈值
}

type IpsecConfig struct {
	SPI uint32 `yaml:"spi"`
	Key string `yaml:"key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type OutputConfig struct {
	Directory string `yaml:"directory"`
}

func loadConfig(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Receiver.Logging.Level
	if level == "" {
		level = "info"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", level, err)
		os.Exit(1)
	}

	outDir := cfg.Receiver.Output.Directory
	if outDir == "" {
		outDir = "."
	}

	iface := cfg.Receiver.Network.Interface
	if iface == "" {
		iface = "0.0.0.0"
	}

	r, err := receiver.NewReceiver(iface, cfg.Receiver.Network.Address, cfg.Receiver.Network.Port, cfg.Receiver.Flute.TSI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create receiver: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	if cfg.Receiver.Ipsec != nil {
		if err := r.EnableIpsec(cfg.Receiver.Ipsec.SPI, cfg.Receiver.Ipsec.Key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to enable IPsec: %v\n", err)
			os.Exit(1)
		}
	}

	r.RegisterCompletionCallback(func(file *object.File) {
		file.LogAccess()
		name := filepath.Base(file.Meta().ContentLocation)
		if name == "." || name == "/" || name == "" {
			name = fmt.Sprintf("toi-%d", file.Meta().Toi)
		}
		path := filepath.Join(outDir, name)
		if err := os.WriteFile(path, file.Data(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			return
		}
		fmt.Printf("received %s (%d bytes, TOI %d)\n", path, file.Length(), file.Meta().Toi)
	})

	maxAge := time.Duration(cfg.Receiver.Flute.MaxAgeSec) * time.Second
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()

	fmt.Printf("listening on %s:%d (TSI %d)\n", cfg.Receiver.Network.Address, cfg.Receiver.Network.Port, cfg.Receiver.Flute.TSI)
	for {
		select {
		case <-ticker.C:
			r.RemoveExpiredFiles(maxAge)
		case <-sig:
			fmt.Println("stopping")
			return
		}
	}
}
