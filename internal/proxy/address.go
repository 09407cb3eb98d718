package proxy

import (
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

const loopbackHost = "127.0.0.1"

// advertiseHost picks the host callers should use to reach the listener.
func advertiseHost(cfg Config) string {
	if cfg.AdvertiseLAN {
		if ip := localLANAddress(); ip != "" {
			return ip
		}
		log.Warn().Msg("proxy.advertiseHost no 192.168.0.0/16 address found, using loopback")
		return loopbackHost
	}
	host := strings.TrimSpace(cfg.Host)
	switch host {
	case "", "0.0.0.0", "::", "localhost":
		return loopbackHost
	}
	return host
}

// localLANAddress returns the first 192.168.0.0/16 interface address. Other
// private ranges are skipped: home routers typically hand out 192.168 leases
// and devices on the same network reach those directly.
func localLANAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn().Err(err).Msg("proxy.localLANAddress list interfaces failed")
		return ""
	}
	found := make([]string, 0, 4)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Debug().Err(err).Str("iface", iface.Name).Msg("proxy.localLANAddress skipped interface")
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipnet.IP.To4()
			if v4 == nil || !v4.IsPrivate() {
				continue
			}
			found = append(found, v4.String())
		}
	}
	log.Debug().Strs("ips", found).Msg("proxy.localLANAddress site-local addresses")
	for _, ip := range found {
		if strings.HasPrefix(ip, "192.168.") {
			return ip
		}
	}
	return ""
}
