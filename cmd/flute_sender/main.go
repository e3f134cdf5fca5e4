package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"

	"github.com/5G-MAG/rt-libflute/pkg/oti"
	"github.com/5G-MAG/rt-libflute/pkg/sender"
	"github.com/5G-MAG/rt-libflute/pkg/tools"
)

type AppConfig struct {
	Sender SenderConfigSection `yaml:"sender"`
}

type SenderConfigSection struct {
	Network SenderNetworkConfig `yaml:"network"`
	Flute   SenderFluteConfig   `yaml:"flute"`
	Ipsec   *IpsecConfig        `yaml:"ipsec,omitempty"`
	Logging LoggingConfig       `yaml:"logging"`
	Files   []FileConfig        `yaml:"files"`
}

type SenderNetworkConfig struct {
	Address string `yaml:"address"` // 组播地址，如 "238.1.1.95"
	Port    uint16 `yaml:"port"`
}

type SenderFluteConfig struct {
	TSI           uint64 `yaml:"tsi"`
	MTU           uint16 `yaml:"mtu"`
	RateLimitKbps uint32 `yaml:"rate_limit_kbps"`
	Fec           string `yaml:"fec"` // "compact_no_code" | "raptor"
}

type IpsecConfig struct {
	SPI uint32 `yaml:"spi"`
	Key string `yaml:"key"` // AES key，十六进制
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FileConfig struct {
	Path        string `yaml:"path"`
	ContentType string `yaml:"content_type"`
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

func fecSchemeFromConfig(name string) (oti.FecScheme, error) {
	switch name {
	case "", "compact_no_code":
		return oti.CompactNoCode, nil
	case "raptor":
		return oti.Raptor, nil
	default:
		return 0, fmt.Errorf("unsupported FEC scheme: %s", name)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Sender.Logging.Level
	if level == "" {
		level = "info"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", level, err)
		os.Exit(1)
	}

	scheme, err := fecSchemeFromConfig(cfg.Sender.Flute.Fec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	mtu := cfg.Sender.Flute.MTU
	if mtu == 0 {
		mtu = 1500
	}

	t, err := sender.NewTransmitter(
		cfg.Sender.Network.Address,
		cfg.Sender.Network.Port,
		cfg.Sender.Flute.TSI,
		mtu,
		cfg.Sender.Flute.RateLimitKbps,
		scheme,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create transmitter: %v\n", err)
		os.Exit(1)
	}
	defer t.Close()

	if cfg.Sender.Ipsec != nil {
		if err := t.EnableIpsec(cfg.Sender.Ipsec.SPI, cfg.Sender.Ipsec.Key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to enable IPsec: %v\n", err)
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	pending := make(map[uint64]string)
	var mu sync.Mutex
	t.RegisterCompletionCallback(func(toi uint64) {
		mu.Lock()
		path := pending[toi]
		delete(pending, toi)
		mu.Unlock()
		fmt.Printf("file transmitted: %s (TOI %d)\n", path, toi)
		wg.Done()
	})

	// 文件内容被 Transmitter 借用，发送完成前保持存活
	contents := make([][]byte, 0, len(cfg.Sender.Files))

	for _, f := range cfg.Sender.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", f.Path, err)
			continue
		}
		contents = append(contents, data)

		expires := tools.UnixToNTPSeconds(t.SecondsSinceEpoch()) + 3600
		wg.Add(1)
		toi, err := t.Send(filepath.Base(f.Path), f.ContentType, expires, data)
		if err != nil {
			wg.Done()
			fmt.Fprintf(os.Stderr, "queue %s: %v\n", f.Path, err)
			continue
		}
		mu.Lock()
		pending[toi] = f.Path
		mu.Unlock()
		fmt.Printf("queued %s as TOI %d (%d bytes)\n", f.Path, toi, len(data))
	}

	wg.Wait()
	fmt.Println("all files transmitted")
}
