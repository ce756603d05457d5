// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Address locates an RPC endpoint, e.g. tcp://10.0.0.1:5050 or ws://host:80/rpc.
type Address struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

var defaultPorts = map[string]int{
	"ws":  80,
	"wss": 443,
}

// ParseAddress parses a URL-like endpoint string.
func ParseAddress(s string) (Address, error) {
	if !strings.Contains(s, "://") {
		return Address{}, fmt.Errorf("invalid address %q: missing scheme", s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr := Address{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.Path,
	}
	if addr.Host == "" {
		return Address{}, fmt.Errorf("invalid address %q: missing host", s)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return Address{}, fmt.Errorf("invalid address %q: bad port", s)
		}
		addr.Port = port
	} else {
		addr.Port = defaultPorts[addr.Scheme]
	}
	return addr, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// HostPort returns host:port, or just the host when no port is set.
func (a Address) HostPort() string {
	if a.Port == 0 {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return a.Scheme + "://" + a.HostPort() + a.Path
}
