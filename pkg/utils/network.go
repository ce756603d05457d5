package utils

import (
	"net"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
)

// DetectedHostAddress returns the first non-loopback address of an up
// interface, preferring IPv4, or "localhost".
func DetectedHostAddress() string {
	netInterfaces, err := net.Interfaces()
	if err != nil {
		logger.Info().Err(err).Msg("failed to detect net interfaces")
		return "localhost"
	}

	if v4 := selectAddress(netInterfaces, true); v4 != "" {
		return v4
	}
	if v6 := selectAddress(netInterfaces, false); v6 != "" {
		return v6
	}
	return "localhost"
}

func selectAddress(netInterfaces []net.Interface, wantV4 bool) string {
	for _, iface := range netInterfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logger.Debug().Err(err).Str("interface", iface.Name).Msg("get interface addresses")
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			isV4 := ipNet.IP.To4() != nil
			if wantV4 && isV4 {
				return ipNet.IP.String()
			}
			// link-local v6 needs a zone id, skip it
			if !wantV4 && !isV4 && !ipNet.IP.IsLinkLocalUnicast() {
				return ipNet.IP.String()
			}
		}
	}
	return ""
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
