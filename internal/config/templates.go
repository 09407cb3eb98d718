package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "proxy":
		return proxyTemplate, nil
	case "lan":
		return lanTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const proxyTemplate = `service = "proxy"
admin_addr = "127.0.0.1:7011"
start_on_boot = true
ready_timeout = "15s"
stop_timeout = "10s"
heartbeat = "30s"

[proxy]
id = "proxy.local"
host = "127.0.0.1"
port = 1111
advertise_lan = false
allow_file_targets = false
upstream_timeout = "30s"
client_timeout = "25s"
header_timeout = "15s"
cors_origins = []

[status]
channel_id = "PROXY_SERVER"
channel_name = "Proxy Server"
title = "Streamed Proxy"
tap_target = ""
`

// lanTemplate serves devices on the local network.
const lanTemplate = `service = "proxy"
admin_addr = "127.0.0.1:7011"
admin_token = "change-me"
start_on_boot = true

[proxy]
id = "proxy.lan"
host = "0.0.0.0"
port = 1111
advertise_lan = true
cors_origins = ["*"]

[status]
title = "Streamed Proxy (LAN)"
`
