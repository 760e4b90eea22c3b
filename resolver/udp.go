package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/thenaterhood/dnschat/models"
)

// udpTransport sends the query from an unconnected socket so the source
// of the reply can be checked against the server.
type udpTransport struct {
	config DnsResolverConfig
}

func (t udpTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	timer := t.config.Metrics.GetForwardTimer(MethodUDP.String())
	defer t.config.Metrics.ObserveTimer(timer)

	// 1. find the server address
	server, err := resolveServerAddr(ctx, t.config.Resolver, q.Server)
	if err != nil {
		return nil, err
	}

	// 2. open the socket
	network := "udp4"
	if server.Addr().Is6() {
		network = "udp6"
	}
	conn, err := t.config.Listener.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
	}
	defer conn.Close()

	// 3. tie the socket to the context
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// 4. send the query
	t.config.Logger.Debug("sending udp query", "server", server, "fqdn", q.Fqdn, "id", q.TransactionID)
	if _, err := conn.WriteTo(q.QueryBytes, net.UDPAddrFromAddrPort(server)); err != nil {
		return nil, socketError(ctx, err)
	}

	// 5. await one datagram
	buf := make([]byte, udpBufferSize)
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, socketError(ctx, err)
	}

	if !sameUDPAddr(from, server) {
		return nil, fmt.Errorf("%w: reply from unexpected source %s", models.ErrInvalidResponse, from)
	}

	return validateReply(t.config, MethodUDP, buf[:n], q)
}

func sameUDPAddr(addr net.Addr, expected netip.AddrPort) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	actual := udpAddr.AddrPort()
	return actual.Addr().Unmap() == expected.Addr().Unmap() && actual.Port() == expected.Port()
}

func resolveServerAddr(ctx context.Context, resolver SystemResolver, server models.DNSServerConfig) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(server.Host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), server.Port), nil
	}

	addrs, err := resolver.LookupNetIP(ctx, "ip", server.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: resolving %s: %v", models.ErrServerUnreachable, server.Host, err)
	}

	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return netip.AddrPortFrom(addr.Unmap(), server.Port), nil
		}
	}
	if len(addrs) > 0 {
		return netip.AddrPortFrom(addrs[0], server.Port), nil
	}

	return netip.AddrPort{}, fmt.Errorf("%w: %s has no addresses", models.ErrServerUnreachable, server.Host)
}

// socketError prefers the context's error so cancellation and timeouts
// are reported as such rather than as a closed socket.
func socketError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
