package models

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxMessageBytes = 120
	MaxLabelLength  = 63
	MaxFqdnLength   = 253
)

// Sanitizer turns free-form text into a single DNS label.
type Sanitizer struct {
	// MaxLabelLength may lower the label limit. Zero or anything above
	// 63 means 63.
	MaxLabelLength int
}

var DefaultSanitizer = Sanitizer{MaxLabelLength: MaxLabelLength}

// Sanitize runs DefaultSanitizer.
func Sanitize(raw string) (string, error) {
	return DefaultSanitizer.Sanitize(raw)
}

func (s Sanitizer) maxLabelLength() int {
	if s.MaxLabelLength <= 0 || s.MaxLabelLength > MaxLabelLength {
		return MaxLabelLength
	}
	return s.MaxLabelLength
}

func (s Sanitizer) Sanitize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &SanitizationError{Reason: EmptyMessage, Msg: "message cannot be empty"}
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x20 || raw[i] == 0x7f {
			return "", &SanitizationError{Reason: ControlCharacters, Msg: "message contains control characters"}
		}
	}

	if len(raw) > MaxMessageBytes {
		return "", &SanitizationError{
			Reason: MessageTooLong,
			Msg:    fmt.Sprintf("message exceeds %d bytes", MaxMessageBytes),
		}
	}

	folded, err := foldUnicode(raw)
	if err != nil || !utf8.ValidString(folded) {
		return "", &SanitizationError{Reason: EmptyAfterSanitization, Msg: "message is not valid text"}
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	dash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r == '-' || unicode.IsSpace(r) || unicode.IsPunct(r):
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	label := strings.Trim(b.String(), "-")

	if label == "" {
		return "", &SanitizationError{
			Reason: EmptyAfterSanitization,
			Msg:    "message must contain at least one letter or digit",
		}
	}

	if max := s.maxLabelLength(); len(label) > max {
		return "", &SanitizationError{
			Reason: LabelTooLong,
			Msg:    fmt.Sprintf("message exceeds %d characters after sanitization", max),
		}
	}

	return label, nil
}

// foldUnicode applies NFKD and drops combining marks, so "é" becomes "e"
// and "ﬁ" becomes "fi".
func foldUnicode(value string) (string, error) {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.M)))
	folded, _, err := transform.String(t, value)
	return folded, err
}
