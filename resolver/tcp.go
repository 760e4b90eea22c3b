package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/thenaterhood/dnschat/models"
)

// tcpTransport sends the query with DNS over TCP framing: a two byte big
// endian length followed by the message.
type tcpTransport struct {
	config DnsResolverConfig
}

func (t tcpTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	timer := t.config.Metrics.GetForwardTimer(MethodTCP.String())
	defer t.config.Metrics.ObserveTimer(timer)

	server, err := resolveServerAddr(ctx, t.config.Resolver, q.Server)
	if err != nil {
		return nil, err
	}

	t.config.Logger.Debug("sending tcp query", "server", server, "fqdn", q.Fqdn, "id", q.TransactionID)

	netConn, err := t.config.Dialer.DialContext(ctx, "tcp", server.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", models.ErrServerUnreachable, err)
	}

	conn := &dns.Conn{Conn: netConn}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(dnsTimeout))
	}

	if _, err := conn.Write(q.QueryBytes); err != nil {
		return nil, socketError(ctx, err)
	}

	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, socketError(ctx, err)
	}

	return validateReply(t.config, MethodTCP, buf[:n], q)
}

const dnsTimeout = 10 * time.Second
