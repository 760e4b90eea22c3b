package models

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var fragmentPattern = regexp.MustCompile(`(?s)^(\d+)/(\d+):(.*)$`)

type fragment struct {
	index   int
	total   int
	payload string
}

func parseFragment(record string) (fragment, bool) {
	m := fragmentPattern.FindStringSubmatch(record)
	if m == nil {
		return fragment{}, false
	}

	return fragment{index: fragmentNumber(m[1]), total: fragmentNumber(m[2]), payload: m[3]}, true
}

// fragmentNumber parses an index or total. Numbers too large for an int
// saturate, which leaves the multipart reply incomplete.
func fragmentNumber(digits string) int {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return math.MaxInt
	}
	return n
}

// Reassemble turns the TXT records of one answer into the reply text.
// A record that is not an "i/N:payload" fragment is the whole reply and
// wins over any fragments next to it. Fragments may arrive in any order.
func Reassemble(records []string) (string, error) {
	if len(records) == 0 {
		return "", ErrNoTxtRecords
	}

	fragments := make([]fragment, 0, len(records))
	for _, record := range records {
		f, ok := parseFragment(record)
		if !ok {
			return record, nil
		}
		fragments = append(fragments, f)
	}

	total := fragments[0].total
	parts := map[int]string{}

	for _, f := range fragments {
		if f.total != total {
			return "", ErrConflictingPart
		}

		existing, seen := parts[f.index]
		if seen && existing != f.payload {
			return "", ErrConflictingPart
		}
		parts[f.index] = f.payload
	}

	received := 0
	for index := range parts {
		if index >= 1 && index <= total {
			received++
		}
	}

	if received != total || len(parts) != total {
		return "", &IncompleteMultipartError{Received: received, Expected: total}
	}

	indexes := make([]int, 0, len(parts))
	for index := range parts {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var b strings.Builder
	for _, index := range indexes {
		b.WriteString(parts[index])
	}

	return b.String(), nil
}

// MaxTxtStringLength is the most a single TXT character-string can hold.
const MaxTxtStringLength = 255

// Fragment splits reply into "i/N:payload" records whose payload is at
// most size bytes, never splitting a UTF-8 sequence. Replies that fit
// in one record are returned unchanged.
func Fragment(reply string, size int) []string {
	if size <= 0 {
		size = MaxTxtStringLength - len("99/99:")
	}

	if len(reply) <= size && !fragmentPattern.MatchString(reply) {
		return []string{reply}
	}

	var chunks []string
	for len(reply) > 0 {
		end := size
		if end >= len(reply) {
			end = len(reply)
		} else {
			for end > 0 && !utf8.RuneStart(reply[end]) {
				end--
			}
			if end == 0 {
				end = size
			}
		}
		chunks = append(chunks, reply[:end])
		reply = reply[end:]
	}

	records := make([]string, len(chunks))
	for i, chunk := range chunks {
		records[i] = fmt.Sprintf("%d/%d:%s", i+1, len(chunks), chunk)
	}
	return records
}
