package models

import (
	"encoding/binary"
	"errors"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	flagResponse  = 0x8000
	flagTruncated = 0x0200
	opcodeShift   = 11
	opcodeMask    = 0xF
	rcodeMask     = 0xF
)

// ParseHeader decodes the header of a raw message.
func ParseHeader(resp []byte) (dnsmessage.Header, error) {
	var p dnsmessage.Parser
	h, err := p.Start(resp)
	if err != nil {
		return h, invalidResponse("malformed header: %v", err)
	}
	return h, nil
}

// ValidateResponse checks that resp is the answer to q and returns its TXT
// records, one string per record with its character-strings joined.
// Checks happen in this order: header length, transaction id, flags,
// question section, answers.
func ValidateResponse(resp []byte, q *OutgoingQuery) ([]string, error) {
	if len(resp) < dnsHeaderLen {
		return nil, invalidResponse("response is %d bytes, shorter than a dns header", len(resp))
	}

	if id := binary.BigEndian.Uint16(resp[0:2]); id != q.TransactionID {
		return nil, invalidResponse("transaction id %d does not match query id %d", id, q.TransactionID)
	}

	flags := binary.BigEndian.Uint16(resp[2:4])
	if flags&flagResponse == 0 {
		return nil, invalidResponse("message is not a response")
	}
	if opcode := (flags >> opcodeShift) & opcodeMask; opcode != 0 {
		return nil, invalidResponse("unexpected opcode %d", opcode)
	}
	if flags&flagTruncated != 0 {
		return nil, invalidResponse("response is truncated")
	}
	if rcode := dnsmessage.RCode(flags & rcodeMask); rcode != dnsmessage.RCodeSuccess {
		return nil, invalidResponse("server answered %s", rcode)
	}
	if qdcount := binary.BigEndian.Uint16(resp[4:6]); qdcount != 1 {
		return nil, invalidResponse("expected 1 question, got %d", qdcount)
	}

	var p dnsmessage.Parser
	if _, err := p.Start(resp); err != nil {
		return nil, invalidResponse("malformed header: %v", err)
	}

	// Name decoding follows at most 10 compression pointers and rejects
	// offsets outside the message.
	question, err := p.Question()
	if err != nil {
		return nil, invalidResponse("malformed question: %v", err)
	}

	if !strings.EqualFold(question.Name.String(), q.QuestionName()) {
		return nil, invalidResponse("question %q does not match %q", question.Name.String(), q.QuestionName())
	}
	if question.Type != dnsmessage.TypeTXT || question.Class != dnsmessage.ClassINET {
		return nil, invalidResponse("question type %s class %s is not TXT IN", question.Type, question.Class)
	}

	if err := p.SkipAllQuestions(); err != nil {
		return nil, invalidResponse("malformed question section: %v", err)
	}

	records := []string{}
	for {
		h, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			break
		}
		if err != nil {
			return nil, invalidResponse("malformed answer: %v", err)
		}

		if h.Type != dnsmessage.TypeTXT || h.Class != dnsmessage.ClassINET {
			if err := p.SkipAnswer(); err != nil {
				return nil, invalidResponse("malformed answer: %v", err)
			}
			continue
		}

		txt, err := p.TXTResource()
		if err != nil {
			return nil, invalidResponse("malformed txt record: %v", err)
		}

		record := strings.Join(txt.TXT, "")
		if record == "" {
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, ErrNoTxtRecords
	}

	return records, nil
}
