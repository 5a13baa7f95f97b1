// Package address maps a (conversation, user) pair to an opaque email local
// part and back, so that replies can be threaded without server-side state.
package address

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrMalformedAddress = errors.New("malformed reply address")
)

// ReplyAddress is the decoded form of a reply-to token.
type ReplyAddress struct {
	Conversation string `json:"conversation"`
	User         string `json:"user"`
}

// Encode returns the reply-to token for a conversation and user. The token
// uses the standard base64 alphabet, all of which is valid local-part atext.
func Encode(conversationID, userID string) string {
	payload, _ := json.Marshal(ReplyAddress{
		Conversation: conversationID,
		User:         userID,
	})
	return encodeSegment(payload)
}

// Address returns the full reply-to email address for the pair.
func Address(conversationID, userID, domain string) string {
	return Encode(conversationID, userID) + "@" + domain
}

// Decode parses a token produced by Encode. Whitespace inserted by line
// folding and the URL-safe or unpadded base64 variants are tolerated.
func Decode(token string) (ReplyAddress, error) {
	raw, err := decodeSegment(token)
	if err != nil {
		return ReplyAddress{}, fmt.Errorf("%w: decoding token: %v", ErrMalformedAddress, err)
	}

	var addr ReplyAddress
	if err := json.Unmarshal(raw, &addr); err != nil {
		return ReplyAddress{}, fmt.Errorf("%w: parsing token: %v", ErrMalformedAddress, err)
	}

	if addr.Conversation == "" || addr.User == "" {
		return ReplyAddress{}, fmt.Errorf("%w: missing conversation or user", ErrMalformedAddress)
	}

	return addr, nil
}

// LocalPart strips a display-name wrapper and the domain from an address,
// leaving the token.
func LocalPart(addr string) string {
	addr = strings.TrimSpace(addr)
	if start := strings.LastIndex(addr, "<"); start != -1 {
		if end := strings.Index(addr[start:], ">"); end != -1 {
			addr = addr[start+1 : start+end]
		}
	}
	if at := strings.LastIndex(addr, "@"); at != -1 {
		addr = addr[:at]
	}
	return strings.TrimSpace(addr)
}

// ValidLocalPart reports whether s consists only of RFC 5322 atext
// characters and non-leading, non-trailing, non-repeated dots.
func ValidLocalPart(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if r == '.' {
			continue
		}
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)) {
			return false
		}
	}
	return true
}

func encodeSegment(seg []byte) string {
	return base64.StdEncoding.EncodeToString(seg)
}

func decodeSegment(seg string) ([]byte, error) {
	seg = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, seg)
	if seg == "" {
		return nil, errors.New("empty token")
	}

	seg = strings.TrimRight(seg, "=")
	if strings.ContainsAny(seg, "-_") {
		return base64.RawURLEncoding.DecodeString(seg)
	}
	return base64.RawStdEncoding.DecodeString(seg)
}
