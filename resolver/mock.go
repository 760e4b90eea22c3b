package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/thenaterhood/dnschat/models"
)

const mockFragmentSize = 200

// DefaultMockResponder echoes the prompt back.
func DefaultMockResponder(prompt string) string {
	return fmt.Sprintf("This is a mock response to: %s", prompt)
}

// mockTransport answers without touching the network. Its records are
// produced locally so they skip response validation.
type mockTransport struct {
	config DnsResolverConfig
}

func (t mockTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := strings.ReplaceAll(q.Label, "-", " ")
	t.config.Logger.Debug("answering with mock response", "fqdn", q.Fqdn)

	return models.Fragment(t.config.MockResponder(prompt), mockFragmentSize), nil
}
