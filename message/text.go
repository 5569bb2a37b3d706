package message

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Text is a single-part text message, plain or html.
type Text struct {
	From      NameAddress
	To        []NameAddress
	Subject   string
	HTML      bool      // Content-Type text/html instead of text/plain.
	Body      string    // Any line endings, normalized to CRLF.
	Date      time.Time // If zero, the current time is used.
	MessageID string    // Without <>. If empty, one is generated for the From domain.
}

// Compose writes the message to w, with CRLF line endings and lines of at
// most 998 octets, ready for DataWrite. Header values with CR or LF result in
// ErrHeaderValue.
func (t Text) Compose(w io.Writer) (size int64, rerr error) {
	xc := NewComposer(w)

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	date := t.Date
	if date.IsZero() {
		date = time.Now()
	}
	msgID := t.MessageID
	if msgID == "" {
		msgID = MessageIDGen(t.From.Address.Domain)
	} else {
		var err error
		msgID, err = ParseMessageID(msgID)
		xc.Checkf(err, "message-id")
	}

	xc.Header("Date", date.Format(RFC5322Z))
	xc.HeaderAddrs("From", []NameAddress{t.From})
	xc.HeaderAddrs("To", t.To)
	xc.Subject(t.Subject)
	xc.Header("Message-ID", fmt.Sprintf("<%s>", msgID))
	xc.Header("MIME-Version", "1.0")

	subtype := "plain"
	if t.HTML {
		subtype = "html"
	}
	body, ct, cte := xc.TextPart(subtype, t.Body)
	xc.Header("Content-Type", ct)
	xc.Header("Content-Transfer-Encoding", cte)
	xc.Line()
	_, _ = xc.Write(body)
	xc.Flush()
	return xc.Size, nil
}
