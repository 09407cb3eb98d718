package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/edgeproxy/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)

	for _, kind := range []string{"proxy", "lan"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if cfg.Proxy.Port == nil || *cfg.Proxy.Port != 1111 {
			t.Fatalf("%s: unexpected port: %v", kind, cfg.Proxy.Port)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s: expected refusal to overwrite", kind)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("%s: forced overwrite: %v", kind, err)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "service = \"proxy\"\n[proxy]\nprot = 1111\n")
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "prot") {
		t.Fatalf("expected offending key in error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)

	port := 70000
	cases := []struct {
		name string
		cfg  File
	}{
		{name: "bad admin addr", cfg: File{AdminAddr: "localhost"}},
		{name: "port out of range", cfg: File{Proxy: ProxySection{Port: &port}}},
		{name: "bad duration", cfg: File{ReadyTimeout: "soon"}},
		{name: "negative duration", cfg: File{Proxy: ProxySection{ClientTimeout: "-1s"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if err := Validate(File{}); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)

	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
