package message

import (
	"strings"
)

// Maximum line length in octets, excluding CRLF. ../rfc/5321:3512 ../rfc/5322:486
const maxLineLength = 998

// NeedsQuotedPrintable returns whether CRLF-terminated text must be encoded
// with quoted-printable to be sent without the 8BITMIME extension: when it has
// non-ASCII characters, or a line longer than 998 octets, or a bare CR or LF.
// If not, it can be sent as 7bit.
func NeedsQuotedPrintable(text string) bool {
	// ../rfc/2045:1025
	if !isASCII(text) {
		return true
	}
	for _, line := range strings.Split(text, "\r\n") {
		if len(line) > maxLineLength || strings.ContainsAny(line, "\r\n\x00") {
			return true
		}
	}
	return false
}
