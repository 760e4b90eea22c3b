package models

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	DefaultZone    = "ch.at"
	DefaultDnsPort = 53
)

// DNSServerConfig is one allowlisted server a query may be sent to.
type DNSServerConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     uint16 `json:"port" yaml:"port"`
	Priority int    `json:"priority" yaml:"priority"`
	// Zone is appended to the label to build the query name. IP literal
	// hosts cannot serve as a zone, so they fall back to DefaultZone.
	Zone string `json:"zone" yaml:"zone"`
}

// NewDNSServerConfig normalizes host and fills in defaults.
func NewDNSServerConfig(host string, port uint16, zone string) (DNSServerConfig, error) {
	normalized, err := NormalizeServerHost(host)
	if err != nil {
		return DNSServerConfig{}, err
	}

	if port == 0 {
		port = DefaultDnsPort
	}

	if zone == "" {
		zone = normalized
		if IsIPLiteral(normalized) {
			zone = DefaultZone
		}
	} else {
		zone, err = NormalizeServerHost(zone)
		if err != nil {
			return DNSServerConfig{}, fmt.Errorf("invalid zone: %w", err)
		}
	}

	return DNSServerConfig{Host: normalized, Port: port, Zone: zone}, nil
}

// Address returns host:port for dialing.
func (s DNSServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

func (s DNSServerConfig) String() string {
	if s.Port == 0 || s.Port == DefaultDnsPort {
		return s.Host
	}
	return s.Address()
}

// NormalizeServerHost lowercases a host, strips trailing dots and
// converts internationalized names to their ASCII form.
func NormalizeServerHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = strings.TrimRight(host, ".")

	if host == "" {
		return "", fmt.Errorf("dns server cannot be empty")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String(), nil
	}

	if strings.ContainsAny(host, ":/ ") {
		return "", fmt.Errorf("dns server %q is not a hostname or ip address", host)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("dns server %q is not a valid hostname: %w", host, err)
	}

	return strings.ToLower(ascii), nil
}

func IsIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}
