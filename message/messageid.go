package message

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/smtpsubmit/dns"
)

var errBadMessageID = errors.New("not a message-id")

// MessageIDGen returns a generated unique random Message-Id value for domain,
// excluding <>.
func MessageIDGen(domain dns.Domain) string {
	buf := make([]byte, 16)
	cryptorand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf) + "@" + domain.ASCII
}

// ParseMessageID checks a Message-ID value given by a caller, with or without
// <>, and returns it without <>. It must have an "@", and no whitespace or
// control characters.
func ParseMessageID(s string) (string, error) {
	// ../rfc/5322:1383
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" {
		return "", fmt.Errorf("%w: empty", errBadMessageID)
	}
	for _, c := range s {
		if c <= ' ' || c == 0x7f || c == '<' || c == '>' {
			return "", fmt.Errorf("%w: invalid character %q", errBadMessageID, c)
		}
	}
	if i := strings.LastIndex(s, "@"); i <= 0 || i == len(s)-1 {
		return "", fmt.Errorf("%w: missing localpart@domain", errBadMessageID)
	}
	return s, nil
}
