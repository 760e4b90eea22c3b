package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/thenaterhood/dnschat/models"
)

// nativeTransport asks the system stub resolver. The transaction id is
// out of our hands here.
type nativeTransport struct {
	config DnsResolverConfig
}

func (t nativeTransport) Available() bool {
	return t.config.ResolvConf == nil || t.config.ResolvConf.HasNameservers()
}

func (t nativeTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	if !t.Available() {
		return nil, fmt.Errorf("%w: no system nameservers configured", models.ErrPlatformUnsupported)
	}

	timer := t.config.Metrics.GetForwardTimer(MethodNative.String())
	defer t.config.Metrics.ObserveTimer(timer)

	t.config.Logger.Debug("attempting txt lookup with system resolver", "fqdn", q.Fqdn)

	answers, err := t.config.Resolver.LookupTXT(ctx, q.QuestionName())
	if err != nil {
		return nil, classifyLookupError(ctx, err)
	}

	records := make([]string, 0, len(answers))
	for _, answer := range answers {
		if answer != "" {
			records = append(records, answer)
		}
	}

	if len(records) == 0 {
		return nil, models.ErrNoTxtRecords
	}

	return records, nil
}

func classifyLookupError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return fmt.Errorf("%w: %v", models.ErrNoTxtRecords, err)
		case dnsErr.IsTimeout:
			return fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}
	}

	return fmt.Errorf("%w: %v", models.ErrServerUnreachable, err)
}
