package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/thenaterhood/dnschat/models"
)

// retryingTransport repeats a method while the server answers without
// TXT records, backing off 200ms, 400ms, ... between tries.
type retryingTransport struct {
	inner  Transport
	config DnsResolverConfig
	method Method
}

func (t retryingTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	var records []string
	var err error

	for attempt := 0; attempt < t.config.Attempts; attempt++ {
		records, err = t.inner.Execute(ctx, q)
		if err == nil || !errors.Is(err, models.ErrNoTxtRecords) || attempt == t.config.Attempts-1 {
			return records, err
		}

		delay := t.config.RetryBackoff << attempt
		t.config.Logger.Debug("no txt records, retrying", "method", t.method, "fqdn", q.Fqdn, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}

	return records, err
}

func (t retryingTransport) Available() bool {
	if a, ok := t.inner.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}
