package models

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const dnsHeaderLen = 12

// OutgoingQuery is a composed TXT query. It is not modified after Compose
// returns.
type OutgoingQuery struct {
	Label         string
	Zone          string
	Fqdn          string
	TransactionID uint16
	// QueryBytes is the complete wire message.
	QueryBytes []byte
	// Question is the question section of QueryBytes, kept so responses
	// can be checked against exactly what was asked.
	Question []byte
	Server   DNSServerConfig
}

// DedupKey identifies queries that may share one network execution.
func (q *OutgoingQuery) DedupKey() string {
	return fmt.Sprintf("%s:%d-%s", q.Server.Host, q.Server.Port, strings.ToLower(q.Fqdn))
}

// QuestionName is the fqdn in the fully qualified form used on the wire.
func (q *OutgoingQuery) QuestionName() string {
	return q.Fqdn + "."
}

func newTransactionID() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate transaction id: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// Compose builds a standard recursive TXT query for label under the
// server's zone.
func Compose(label string, server DNSServerConfig) (*OutgoingQuery, error) {
	if label == "" {
		return nil, &SanitizationError{Reason: EmptyAfterSanitization, Msg: "label cannot be empty"}
	}

	if len(label) > MaxLabelLength {
		return nil, &SanitizationError{
			Reason: LabelTooLong,
			Msg:    fmt.Sprintf("label exceeds %d characters", MaxLabelLength),
		}
	}

	zone := strings.Trim(server.Zone, ".")
	if zone == "" {
		zone = DefaultZone
	}

	fqdn := label + "." + zone
	if len(fqdn) > MaxFqdnLength {
		return nil, &SanitizationError{
			Reason: LabelTooLong,
			Msg:    fmt.Sprintf("query name exceeds %d characters", MaxFqdnLength),
		}
	}

	name, err := dnsmessage.NewName(fqdn + ".")
	if err != nil {
		return nil, fmt.Errorf("invalid query name %q: %w", fqdn, err)
	}

	id, err := newTransactionID()
	if err != nil {
		return nil, err
	}

	builder := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:               id,
		RecursionDesired: true,
	})

	if err := builder.StartQuestions(); err != nil {
		return nil, err
	}

	err = builder.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeTXT,
		Class: dnsmessage.ClassINET,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid query name %q: %w", fqdn, err)
	}

	msg, err := builder.Finish()
	if err != nil {
		return nil, err
	}

	return &OutgoingQuery{
		Label:         label,
		Zone:          zone,
		Fqdn:          fqdn,
		TransactionID: id,
		QueryBytes:    msg,
		Question:      msg[dnsHeaderLen:],
		Server:        server,
	}, nil
}
