package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"github.com/thenaterhood/dnschat/system"
)

// Method is a transport a query can be sent over. There is no HTTPS
// method.
type Method int

const (
	MethodNative Method = iota
	MethodUDP
	MethodTCP
	MethodMock
)

func (m Method) String() string {
	switch m {
	case MethodNative:
		return "native"
	case MethodUDP:
		return "udp"
	case MethodTCP:
		return "tcp"
	case MethodMock:
		return "mock"
	}
	return "unknown"
}

type MethodOrderOptions struct {
	EnableMock                  bool
	AllowExperimentalTransports bool
}

// GetMethodOrder returns the methods a query tries, in order. Native is
// always first; raw sockets are only used when experimental transports
// are allowed and mock always comes last.
func GetMethodOrder(opts MethodOrderOptions) []Method {
	order := []Method{MethodNative}

	if opts.AllowExperimentalTransports {
		order = append(order, MethodUDP, MethodTCP)
	}

	if opts.EnableMock {
		order = append(order, MethodMock)
	}

	return order
}

// Transport executes one composed query and returns its raw TXT records.
type Transport interface {
	Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error)
}

type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// SystemResolver is the platform stub resolver. *net.Resolver satisfies it.
type SystemResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type DnsResolverConfig struct {
	Logger   *slog.Logger
	Metrics  metrics.MetricsInterface
	Dialer   NetDialer
	Listener PacketListener
	Resolver SystemResolver
	// ResolvConf, when set, decides whether the native method is usable.
	ResolvConf *system.ResolvConf
	// Attempts and RetryBackoff control how native and udp retry an
	// answer without TXT records.
	Attempts     int
	RetryBackoff time.Duration
	// MockResponder produces the reply of the mock method.
	MockResponder func(prompt string) string
}

const (
	DefaultAttempts     = 3
	DefaultRetryBackoff = 200 * time.Millisecond
	udpBufferSize       = 2048
)

func (c DnsResolverConfig) withDefaults() DnsResolverConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DummyMetrics{}
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Listener == nil {
		c.Listener = &net.ListenConfig{}
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MockResponder == nil {
		c.MockResponder = DefaultMockResponder
	}
	return c
}

// GetTransports builds every transport method available on this platform.
func GetTransports(config DnsResolverConfig) map[Method]Transport {
	config = config.withDefaults()

	return map[Method]Transport{
		MethodNative: retryingTransport{
			inner:  nativeTransport{config},
			config: config,
			method: MethodNative,
		},
		MethodUDP: retryingTransport{
			inner:  udpTransport{config},
			config: config,
			method: MethodUDP,
		},
		MethodTCP:  tcpTransport{config},
		MethodMock: mockTransport{config},
	}
}

// validateReply checks a raw reply against q. A rejected reply is logged
// with what its header claimed.
func validateReply(config DnsResolverConfig, method Method, resp []byte, q *models.OutgoingQuery) ([]string, error) {
	records, err := models.ValidateResponse(resp, q)
	if err == nil {
		return records, nil
	}

	if h, headerErr := models.ParseHeader(resp); headerErr == nil {
		config.Logger.Debug(
			"rejected dns response",
			"method", method,
			"fqdn", q.Fqdn,
			"id", h.ID,
			"response", h.Response,
			"truncated", h.Truncated,
			"rcode", h.RCode,
			"err", err,
		)
	} else {
		config.Logger.Debug("rejected dns response", "method", method, "fqdn", q.Fqdn, "bytes", len(resp), "err", err)
	}

	return nil, err
}
