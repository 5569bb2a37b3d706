// Package message composes the single-part text messages that are submitted
// over SMTP: header fields with folding and encoded words, and a body in a
// transfer encoding that needs no SMTP extensions.
package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/mjl-/smtpsubmit/smtp"
)

var (
	ErrCompose     = errors.New("compose")
	ErrHeaderValue = errors.New("header value with carriage return or newline")
	ErrLineTooLong = errors.New("header line longer than 998 octets")
)

// RFC5322Z is the time format for the Date header.
const RFC5322Z = "Mon, 2 Jan 2006 15:04:05 -0700"

// Composer helps compose a message. Operations that fail call panic, which should
// be caught with recover(), checking for ErrCompose.
// Writes are buffered.
type Composer struct {
	Size int64 // Total bytes written.

	bw *bufio.Writer
}

// NewComposer initializes a new composer with a buffered writer around w.
// Operations on a Composer do not return an error. Caller must use recover() to
// catch ErrCompose errors.
func NewComposer(w io.Writer) *Composer {
	return &Composer{bw: bufio.NewWriter(w)}
}

// Write implements io.Writer, but calls panic (that is handled higher up) on
// i/o errors.
func (c *Composer) Write(buf []byte) (int, error) {
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// Checkf checks err, panicing with sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// CheckHeaderValue returns ErrHeaderValue if v contains a carriage return or
// newline, which would allow injecting header fields.
func CheckHeaderValue(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("%w: %q", ErrHeaderValue, v)
	}
	return nil
}

// Header writes a message header. The value must not contain CR or LF.
func (c *Composer) Header(k, v string) {
	c.Checkf(CheckHeaderValue(v), "header %s", k)
	c.header(k, v)
}

// header writes header k with a possibly folded value v, failing with
// ErrLineTooLong if a line would not fit in maxLineLength.
func (c *Composer) header(k, v string) {
	for i, line := range strings.Split(v, "\r\n") {
		n := len(line)
		if i == 0 {
			n += len(k) + len(": ")
		}
		if n > maxLineLength {
			c.Checkf(ErrLineTooLong, "header %s", k)
		}
	}
	fmt.Fprintf(c, "%s: %s\r\n", k, v)
}

// NameAddress holds both an address display name, and an SMTP path address.
type NameAddress struct {
	DisplayName string
	Address     smtp.Address
}

// HeaderAddrs writes a message header with addresses, folding before an
// address that would make the line longer than 78 characters.
func (c *Composer) HeaderAddrs(k string, l []NameAddress) {
	if len(l) == 0 {
		return
	}
	v := ""
	linelen := len(k) + len(": ")
	for _, a := range l {
		c.Checkf(CheckHeaderValue(a.DisplayName), "display name in %s", k)
		if v != "" {
			v += ","
			linelen++
		}
		// Display names with non-ASCII are written as encoded words by net/mail.
		addr := mail.Address{Name: a.DisplayName, Address: a.Address.Pack(false)}
		s := addr.String()
		if v != "" && linelen+1+len(s) > 77 {
			v += "\r\n\t"
			linelen = 1
		} else if v != "" {
			v += " "
			linelen++
		}
		v += s
		linelen += len(s)
	}
	c.header(k, v)
}

// Subject writes a subject message header. Runs of words with non-ASCII
// characters are written as Q-encoded words, each at most 75 characters. Long
// subjects are folded at spaces and between encoded words. A word that still
// does not fit in a 998 octet line causes ErrLineTooLong.
func (c *Composer) Subject(subject string) {
	c.Checkf(CheckHeaderValue(subject), "subject")

	// Adjacent encoded words are joined when decoding, dropping the whitespace
	// between them. So consecutive non-ASCII words are encoded together, with
	// their spaces inside the encoded words.
	type unit struct {
		s     string
		space bool // Preceded by a space in the subject.
	}
	var units []unit
	words := strings.Split(subject, " ")
	for i := 0; i < len(words); i++ {
		if isASCII(words[i]) {
			units = append(units, unit{words[i], i > 0})
			continue
		}
		j := i + 1
		for j < len(words) && !isASCII(words[j]) {
			j++
		}
		// The encoder splits long text into multiple encoded words separated by a
		// space, each of which we can fold. ../rfc/2047:244
		enc := mime.QEncoding.Encode("utf-8", strings.Join(words[i:j], " "))
		for k, ew := range strings.Split(enc, " ") {
			units = append(units, unit{ew, i > 0 || k > 0})
		}
		i = j - 1
	}

	var subjectValue string
	subjectLineLen := len("Subject: ")
	for i, u := range units {
		if u.space {
			subjectValue += " "
			subjectLineLen++
		}
		if i > 0 && subjectLineLen+len(u.s) > 77 {
			subjectValue += "\r\n\t"
			subjectLineLen = 1
		}
		subjectValue += u.s
		subjectLineLen += len(u.s)
	}
	c.header("Subject", subjectValue)
}

// Line writes an empty line.
func (c *Composer) Line() {
	_, _ = c.Write([]byte("\r\n"))
}

// TextPart prepares a text body with media subtype "plain" or "html". Line
// endings in text (LF, CRLF or bare CR) are normalized to CRLF, and a final
// line ending is added if missing. The returned body is quoted-printable if
// needed, see NeedsQuotedPrintable. The returned ct and cte are for the
// Content-Type and Content-Transfer-Encoding headers.
func (c *Composer) TextPart(subtype, text string) (textBody []byte, ct, cte string) {
	text = NormalizeNewlines(text)
	if !strings.HasSuffix(text, "\r\n") {
		text += "\r\n"
	}
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	if NeedsQuotedPrintable(text) {
		var sb strings.Builder
		qw := quotedprintable.NewWriter(&sb)
		_, err := io.Copy(qw, strings.NewReader(text))
		c.Checkf(err, "converting text to quoted printable")
		c.Checkf(qw.Close(), "closing quoted printable writer")
		text = sb.String()
		cte = "quoted-printable"
	} else {
		cte = "7bit"
	}

	ct = mime.FormatMediaType("text/"+subtype, map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

// NormalizeNewlines returns text with all line endings replaced by CRLF.
func NormalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
