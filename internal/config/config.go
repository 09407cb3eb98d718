package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File is the on-disk schema for a proxy host.
type File struct {
	Service      string        `toml:"service"`
	AdminAddr    string        `toml:"admin_addr"`
	AdminToken   string        `toml:"admin_token"`
	StartOnBoot  *bool         `toml:"start_on_boot"`
	ReadyTimeout string        `toml:"ready_timeout"`
	StopTimeout  string        `toml:"stop_timeout"`
	Heartbeat    string        `toml:"heartbeat"`
	Proxy        ProxySection  `toml:"proxy"`
	Status       StatusSection `toml:"status"`
}

type ProxySection struct {
	ID               string   `toml:"id"`
	Host             string   `toml:"host"`
	Port             *int     `toml:"port"`
	AdvertiseLAN     bool     `toml:"advertise_lan"`
	AllowFileTargets bool     `toml:"allow_file_targets"`
	UpstreamTimeout  string   `toml:"upstream_timeout"`
	ClientTimeout    string   `toml:"client_timeout"`
	HeaderTimeout    string   `toml:"header_timeout"`
	CorsOrigins      []string `toml:"cors_origins"`
}

type StatusSection struct {
	ChannelID   string `toml:"channel_id"`
	ChannelName string `toml:"channel_name"`
	Title       string `toml:"title"`
	TapTarget   string `toml:"tap_target"`
}

// Load reads and validates path. Unknown keys are rejected.
func Load(path string) (File, error) {
	var cfg File
	if err := loadToml(path, &cfg); err != nil {
		return File{}, err
	}
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w: %s", path, ErrInvalidConfig, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg File) error {
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.AdminAddr)); err != nil {
			return fmt.Errorf("%w: admin_addr: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.Proxy.Port != nil && (*cfg.Proxy.Port < 0 || *cfg.Proxy.Port > 65535) {
		return fmt.Errorf("%w: proxy.port out of range: %d", ErrInvalidConfig, *cfg.Proxy.Port)
	}
	durations := map[string]string{
		"ready_timeout":          cfg.ReadyTimeout,
		"stop_timeout":           cfg.StopTimeout,
		"heartbeat":              cfg.Heartbeat,
		"proxy.upstream_timeout": cfg.Proxy.UpstreamTimeout,
		"proxy.client_timeout":   cfg.Proxy.ClientTimeout,
		"proxy.header_timeout":   cfg.Proxy.HeaderTimeout,
	}
	for key, raw := range durations {
		if err := validateDuration(key, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateDuration(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return nil
}
