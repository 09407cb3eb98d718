package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeproxy/internal/config"
	"github.com/danmuck/edgeproxy/internal/daemon"
)

// loadServiceConfig layers the keys present in path over the daemon
// defaults; absent keys keep their default.
func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load proxy config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemon.ServiceConfig{}, fmt.Errorf("load proxy config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("service") {
		if v := strings.TrimSpace(raw.Service); v != "" {
			cfg.ServiceName = v
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("start_on_boot") && raw.StartOnBoot != nil {
		cfg.StartOnBoot = *raw.StartOnBoot
	}
	if err := setDuration(meta, "ready_timeout", raw.ReadyTimeout, &cfg.ReadyTimeout); err != nil {
		return daemon.ServiceConfig{}, err
	}
	if err := setDuration(meta, "stop_timeout", raw.StopTimeout, &cfg.StopTimeout); err != nil {
		return daemon.ServiceConfig{}, err
	}
	if err := setDuration(meta, "heartbeat", raw.Heartbeat, &cfg.HeartbeatInterval); err != nil {
		return daemon.ServiceConfig{}, err
	}

	px := &cfg.Host.Proxy
	if meta.IsDefined("proxy", "id") {
		if v := strings.TrimSpace(raw.Proxy.ID); v != "" {
			px.ID = v
		}
	}
	if meta.IsDefined("proxy", "host") {
		px.Host = strings.TrimSpace(raw.Proxy.Host)
	}
	if meta.IsDefined("proxy", "port") && raw.Proxy.Port != nil {
		if *raw.Proxy.Port < 0 || *raw.Proxy.Port > 65535 {
			return daemon.ServiceConfig{}, fmt.Errorf("parse proxy.port: out of range: %d", *raw.Proxy.Port)
		}
		px.Port = *raw.Proxy.Port
	}
	if meta.IsDefined("proxy", "advertise_lan") {
		px.AdvertiseLAN = raw.Proxy.AdvertiseLAN
	}
	if meta.IsDefined("proxy", "allow_file_targets") {
		px.AllowFileTargets = raw.Proxy.AllowFileTargets
	}
	if err := setDuration(meta, "proxy.upstream_timeout", raw.Proxy.UpstreamTimeout, &px.UpstreamTimeout); err != nil {
		return daemon.ServiceConfig{}, err
	}
	if err := setDuration(meta, "proxy.client_timeout", raw.Proxy.ClientTimeout, &px.ClientTimeout); err != nil {
		return daemon.ServiceConfig{}, err
	}
	if err := setDuration(meta, "proxy.header_timeout", raw.Proxy.HeaderTimeout, &px.HeaderTimeout); err != nil {
		return daemon.ServiceConfig{}, err
	}
	if meta.IsDefined("proxy", "cors_origins") {
		px.CorsOrigins = normalizeList(raw.Proxy.CorsOrigins)
	}

	st := &cfg.Host.Status
	if meta.IsDefined("status", "channel_id") {
		st.ChannelID = strings.TrimSpace(raw.Status.ChannelID)
	}
	if meta.IsDefined("status", "channel_name") {
		st.ChannelName = strings.TrimSpace(raw.Status.ChannelName)
	}
	if meta.IsDefined("status", "title") {
		st.Title = strings.TrimSpace(raw.Status.Title)
	}
	if meta.IsDefined("status", "tap_target") {
		st.TapTarget = strings.TrimSpace(raw.Status.TapTarget)
	}
	return cfg, nil
}

// setDuration parses raw into dst when the dotted key is present.
func setDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(strings.Split(key, ".")...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
