// Package smtpclient submits messages to an SMTP submission server.
//
// A submission connects over plain TCP, typically to port 587, requires the
// server to switch to TLS with STARTTLS, verifies the server certificate,
// authenticates with a SASL mechanism, and submits a single message for one or
// more recipients.
//
// Each call to Send uses its own connection and session. A session moves
// strictly forward through its states, each command must get the expected
// response code. Any failure ends the session and is returned as an Error that
// names the phase that failed. There is no fallback to plain text, and no
// retrying within a session. The connection is closed exactly once on every
// path.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/message"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/stub"
	"github.com/mjl-/smtpsubmit/xio"
)

var (
	MetricCommands   stub.HistogramVec = stub.HistogramVecIgnore{} // Labels: cmd, code, secode.
	MetricSubmission stub.CounterVec   = stub.CounterVecIgnore{}   // Labels: result, "ok" or a phase.
	MetricPanicInc                     = func() {}
)

const (
	DefaultPort    = 587
	DefaultTimeout = 30 * time.Second
)

// Connection IDs for logging, unique within the process.
var cidCounter atomic.Int64

// Target is the submission server to connect to.
type Target struct {
	Host string // Domain name or IP address. Also used for TLS certificate verification.
	Port int    // Default 587.

	// Timeout for each read and write, and for dialing and the TLS handshake.
	// Default 30 seconds. A deadline on the context passed to Send further limits
	// all operations.
	Timeout time.Duration

	// Name used in EHLO, default "localhost". An IP address is written as
	// address literal.
	LocalHostname dns.IPDomain

	// If non-nil, used for the STARTTLS handshake. ServerName defaults to Host.
	// MinVersion is raised to TLS 1.2 if lower.
	TLSConfig *tls.Config

	// Used for verifying the server certificate if TLSConfig is nil. If nil, the
	// system roots are used.
	RootCAs *x509.CertPool

	// If nil, a net.Dialer is used.
	Dialer Dialer
}

// Credentials for authenticating to the submission server.
type Credentials struct {
	Username string
	Secret   string

	// SASL mechanism, one of sasl.Mechanisms, case-insensitive. Default LOGIN.
	Mechanism string
}

// Message to submit. The message header is composed from the fields.
type Message struct {
	From string   // Envelope and header sender, "user@domain" or "Name <user@domain>".
	To   []string // Envelope and header recipients, at least one, same syntax as From.

	Subject string

	// "text/plain" (default) or "text/html". A charset parameter is ignored,
	// the charset is determined by the body.
	ContentType string

	// Any line endings, they are normalized to CRLF.
	Body string

	Date      time.Time // If zero, the current time is used.
	MessageID string    // Without <>. If empty, a new ID is generated.
}

// session is the state for submitting a single message over a single
// connection.
type session struct {
	log            mlog.Log
	target         Target
	remoteHostname string // ASCII domain or IP, for TLS verification.
	timeout        time.Duration
	deadline       time.Time // From context, zero if none.

	conn net.Conn // Outermost connection, a *tls.Conn after STARTTLS. Only this conn is closed.
	r    *bufio.Reader
	w    *bufio.Writer
	tr   *xio.TraceReader // Kept for changing trace levels between cmd/auth/data.
	tw   *xio.TraceWriter

	lastlog  time.Time // For adding delta timestamps between log lines.
	state    State
	phase    Phase     // Active phase, for errors.
	cmd      string    // Active command, for metrics.
	cmdStart time.Time // Start of command.

	remoteHelo        string   // From 220 greeting line.
	extEcodes         bool     // Remote server supports sending extended error codes.
	extStartTLS       bool     // Remote server announced STARTTLS.
	extAuthMechanisms []string // Announced mechanisms, upper case. Only trusted after TLS.
}

// SendMessage submits a plain text message with subject and body to the
// server at host and port, authenticating with username and secret using
// AUTH LOGIN.
//
// See Send for details.
func SendMessage(ctx context.Context, log *slog.Logger, host string, port int, username, secret, from string, to []string, subject, body string) error {
	target := Target{Host: host, Port: port}
	creds := Credentials{Username: username, Secret: secret}
	msg := Message{From: from, To: to, Subject: subject, Body: body}
	return Send(ctx, log, target, creds, msg)
}

// Send composes msg and submits it to the server in target, authenticating
// with creds. Send returns nil only if the server accepted the message.
//
// Errors are of type Error, wrapping one of the Err variables in this package,
// e.g. ErrStatus if the server rejected a command, ErrAuth if authentication
// failed, ErrTimeout if the server did not respond in time. An invalid message
// or recipient address results in ErrInvalidMessage without connecting.
func Send(ctx context.Context, elog *slog.Logger, target Target, creds Credentials, msg Message) (rerr error) {
	start := time.Now()
	s := &session{
		target:  target,
		timeout: target.Timeout,
		lastlog: time.Now(),
	}
	s.log = mlog.New("smtpclient", elog).WithCid(cidCounter.Add(1)).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(s.lastlog)),
		}
		s.lastlog = now
		return l
	})
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if t, ok := ctx.Deadline(); ok {
		s.deadline = t
	}
	port := target.Port
	if port == 0 {
		port = DefaultPort
	}
	ehlo := target.LocalHostname
	if ehlo.IsZero() {
		ehlo = dns.IPDomain{Domain: dns.Domain{ASCII: "localhost"}}
	}

	defer func() {
		result := "ok"
		var err Error
		if errors.As(rerr, &err) {
			result = string(err.Phase)
		}
		MetricSubmission.IncLabels(result)
		if rerr == nil {
			s.log.Info("message submitted", slog.Duration("duration", time.Since(start)))
		} else {
			s.log.Infox("submitting message", rerr, slog.String("phase", result))
		}
	}()

	s.phase = PhaseCompose
	mailFrom, rcptTo, data, err := compose(msg)
	if err != nil {
		return s.errorf(true, Response{}, "%w: %s", ErrInvalidMessage, err)
	}

	s.phase = PhaseAuth
	if creds.Username == "" {
		return s.errorf(true, Response{}, "%w: username required", ErrAuth)
	}
	mechanism := creds.Mechanism
	if mechanism == "" {
		mechanism = "LOGIN"
	}
	auth, err := sasl.NewClient(mechanism, creds.Username, creds.Secret)
	if err != nil {
		return s.errorf(true, Response{}, "%w: %s", ErrAuth, err)
	}

	s.phase = PhaseDial
	host, err := dns.ParseIPDomain(target.Host)
	if err != nil {
		return s.errorf(true, Response{}, "%w: parsing host %q: %s", ErrConnection, target.Host, err)
	}
	s.remoteHostname = host.ASCII()
	addr := net.JoinHostPort(host.ASCII(), strconv.Itoa(port))
	s.log.Debug("dialing submission server", slog.String("addr", addr))
	conn, err := dial(ctx, target.Dialer, s.timeout, addr)
	if err != nil {
		if xio.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return s.errorf(false, Response{}, "%w: dial %s: %s", ErrTimeout, addr, err)
		}
		return s.errorf(false, Response{}, "%w: dial %s: %s", ErrConnection, addr, err)
	}
	s.setConn(conn)
	defer s.close()
	s.log.Debug("connected to submission server", slog.String("addr", addr), slog.Any("laddr", conn.LocalAddr()))

	defer s.recover(&rerr)

	s.xhello(ctx, ehlo)
	s.xauth(auth)
	s.xdeliver(mailFrom, rcptTo, data)
	s.quit()
	s.log.Debug("message accepted", slog.Int("size", len(data)), slog.Int("recipients", len(rcptTo)))
	return nil
}

// compose checks the addresses in msg and composes the message.
func compose(msg Message) (mailFrom smtp.Address, rcptTo []smtp.Address, data []byte, rerr error) {
	from, err := parseNameAddress(msg.From)
	if err != nil {
		return smtp.Address{}, nil, nil, fmt.Errorf("from address %q: %w", msg.From, err)
	}
	if len(msg.To) == 0 {
		return smtp.Address{}, nil, nil, errors.New("no recipients")
	}
	var to []message.NameAddress
	for _, s := range msg.To {
		na, err := parseNameAddress(s)
		if err != nil {
			return smtp.Address{}, nil, nil, fmt.Errorf("recipient address %q: %w", s, err)
		}
		to = append(to, na)
		rcptTo = append(rcptTo, na.Address)
	}

	html := false
	if msg.ContentType != "" {
		ct, _, err := mime.ParseMediaType(msg.ContentType)
		if err != nil {
			return smtp.Address{}, nil, nil, fmt.Errorf("content-type %q: %w", msg.ContentType, err)
		}
		switch ct {
		case "text/plain":
		case "text/html":
			html = true
		default:
			return smtp.Address{}, nil, nil, fmt.Errorf("unsupported content-type %q, must be text/plain or text/html", ct)
		}
	}

	text := message.Text{
		From:      from,
		To:        to,
		Subject:   msg.Subject,
		HTML:      html,
		Body:      msg.Body,
		Date:      msg.Date,
		MessageID: msg.MessageID,
	}
	var b bytes.Buffer
	if _, err := text.Compose(&b); err != nil {
		return smtp.Address{}, nil, nil, err
	}
	return from.Address, rcptTo, b.Bytes(), nil
}

// parseNameAddress parses "user@domain", or an address with display name like
// "Name <user@domain>". Internationalized addresses are refused, they would
// need the SMTPUTF8 extension.
func parseNameAddress(s string) (message.NameAddress, error) {
	var name string
	addr, err := smtp.ParseAddress(s)
	if err != nil {
		a, merr := mail.ParseAddress(s)
		if merr != nil {
			return message.NameAddress{}, err
		}
		name = a.Name
		addr, err = smtp.ParseAddress(a.Address)
		if err != nil {
			return message.NameAddress{}, err
		}
	}
	if addr.IsInternational() {
		return message.NameAddress{}, fmt.Errorf("%w: non-ascii address not supported", smtp.ErrBadAddress)
	}
	return message.NameAddress{DisplayName: name, Address: addr}, nil
}

// advance moves the session to the next state.
func (s *session) advance(state State) {
	if state <= s.state {
		panic(fmt.Sprintf("session state moving from %s to %s", s.state, state))
	}
	s.log.Debug("session state", slog.Any("state", state), slog.Any("previous", s.state))
	s.state = state
}

func (s *session) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	err, ok := x.(Error)
	if !ok {
		MetricPanicInc()
		panic(x)
	}
	*rerr = err
}

// xhello reads the greeting, does EHLO, STARTTLS and EHLO again.
func (s *session) xhello(ctx context.Context, ehlo dns.IPDomain) {
	// Read greeting.
	s.startCommand(PhaseGreeting, "(greeting)")
	resp, err := s.readecode(false)
	if err != nil {
		panic(err)
	}
	if resp.Code != smtp.C220ServiceReady {
		s.xstatusf(ErrStatus, resp, "expected 220, got %d", resp.Code)
	}
	// ../rfc/5321:2588
	_, s.remoteHelo, _ = strings.Cut(resp.Line, " ")
	s.advance(StateGreetingReceived)

	s.xehlo(PhaseEHLO, ehlo)
	s.advance(StateCapabilitiesKnown)

	// STARTTLS is always attempted, even if not announced. We never send
	// credentials without TLS.
	if !s.extStartTLS {
		s.log.Debug("remote did not announce starttls, attempting anyway")
	}
	s.xstarttls(ctx)

	// Capabilities announced before TLS cannot be trusted. ../rfc/3207:136
	s.extEcodes = false
	s.extStartTLS = false
	s.extAuthMechanisms = nil
	s.xehlo(PhaseEHLOTLS, ehlo)
	s.advance(StateCapabilitiesKnownSecure)
}

// xehlo writes EHLO and parses the supported extensions.
func (s *session) xehlo(phase Phase, ehlo dns.IPDomain) {
	// ../rfc/5321:987
	s.startCommand(phase, "ehlo")
	// Syntax: ../rfc/5321:1827
	s.xwritelinef("EHLO %s", ehlo.EHLOName())
	resp, err := s.readecode(false)
	if err != nil {
		panic(err)
	}
	if resp.Code != smtp.C250Completed {
		s.xstatusf(ErrStatus, resp, "expected 250 to EHLO, got %d", resp.Code)
	}
	for _, t := range resp.MoreTexts {
		// ../rfc/5321:1869
		t = strings.ToUpper(strings.TrimSpace(t))
		switch t {
		case "STARTTLS":
			s.extStartTLS = true
		case "ENHANCEDSTATUSCODES":
			s.extEcodes = true
		default:
			if strings.HasPrefix(t, "AUTH ") {
				s.extAuthMechanisms = strings.Fields(t[len("AUTH "):])
			}
		}
	}
}

// xauth authenticates with the SASL client.
// ../rfc/4954:139
func (s *session) xauth(a sasl.Client) {
	s.startCommand(PhaseAuth, "auth")

	name, cleartextCreds := a.Info()
	if len(s.extAuthMechanisms) > 0 && !slices.Contains(s.extAuthMechanisms, name) {
		s.log.Debug("authentication mechanism not announced by remote, attempting anyway",
			slog.String("mechanism", name),
			slog.Any("announced", s.extAuthMechanisms))
	}

	abort := func() Response {
		// Abort authentication. ../rfc/4954:193
		s.xwriteline("*")

		// Server must respond with 501. ../rfc/4954:195
		return s.xread()
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		s.xerrorf(true, Response{}, "%w: initial step in auth mechanism %s: %s", ErrAuth, name, err)
	}
	if cleartextCreds {
		defer s.xtrace(mlog.LevelTraceauth)()
	}
	if toserver == nil {
		s.xwriteline("AUTH " + name)
	} else if len(toserver) == 0 {
		s.xwriteline("AUTH " + name + " =") // ../rfc/4954:214
	} else {
		s.xwriteline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver))
	}
	for {
		if cleartextCreds && last {
			s.xtrace(mlog.LevelTrace) // Restore.
		}

		resp, err := s.readecode(s.extEcodes && last)
		if err != nil {
			panic(err)
		}
		switch resp.Code {
		case smtp.C235AuthSuccess:
			if !last {
				s.xerrorf(true, resp, "%w: server completed authentication earlier than client expected", ErrAuth)
			}
			s.log.Debug("authenticated", slog.String("mechanism", name))
			s.advance(StateAuthenticated)
			return
		case smtp.C334ContinueAuth:
			if last {
				s.xerrorf(true, resp, "%w: server requested unexpected continuation of authentication", ErrAuth)
			}
			if len(resp.MoreLines) > 0 {
				abort()
				s.xerrorf(false, resp, "%w: server responded with multiline continuation", ErrAuth)
			}
			fromserver, err := base64.StdEncoding.DecodeString(resp.Text)
			if err != nil {
				abort()
				s.xerrorf(false, resp, "%w: malformed base64 data in authentication continuation response", ErrAuth)
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				// For failing SCRAM, the client stops due to message about invalid proof. The
				// server still sends an authentication result (it probably should send 501
				// instead).
				xresp := abort()
				s.xerrorf(true, xresp, "%w: client aborted authentication: %s", ErrAuth, err)
			}
			s.xwriteline(base64.StdEncoding.EncodeToString(toserver))
		default:
			s.xstatusf(ErrAuth, resp, "unexpected response during authentication, got %d, expected 334 continue or 235 auth success", resp.Code)
		}
	}
}

// xdeliver sends the envelope and the message.
func (s *session) xdeliver(mailFrom smtp.Address, rcptTo []smtp.Address, data []byte) {
	// ../rfc/5321:1076
	s.startCommand(PhaseMailFrom, "mailfrom")
	s.xwritelinef("MAIL FROM:<%s>", mailFrom.Pack(false))
	resp := s.xread()
	if resp.Code != smtp.C250Completed {
		s.xstatusf(ErrStatus, resp, "MAIL FROM %s: got %d, expected 250", mailFrom.LogString(), resp.Code)
	}
	s.advance(StateEnvelopeAccepted)

	// The first rejected recipient fails the submission.
	// ../rfc/5321:1119
	for _, rcpt := range rcptTo {
		s.startCommand(PhaseRcptTo, "rcptto")
		s.xwritelinef("RCPT TO:<%s>", rcpt.Pack(false))
		resp := s.xread()
		if resp.Code != smtp.C250Completed && resp.Code != smtp.C251UserNotLocalWillForward {
			s.xstatusf(ErrStatus, resp, "RCPT TO %s: got %d, expected 250 or 251", rcpt.LogString(), resp.Code)
		}
		s.log.Debug("recipient accepted", slog.String("rcpt", rcpt.LogString()), slog.Int("code", resp.Code))
	}
	s.advance(StateRecipientsAccepted)

	// ../rfc/5321:1163
	s.startCommand(PhaseData, "data")
	s.xwriteline("DATA")
	resp = s.xread()
	if resp.Code != smtp.C354Continue {
		s.xstatusf(ErrStatus, resp, "DATA: got %d, expected 354", resp.Code)
	}
	s.advance(StateDataPhase)

	s.startCommand(PhaseMessage, "message")
	restore := s.xtrace(mlog.LevelTracedata)
	if err := smtp.DataWrite(s.w, bytes.NewReader(data)); err != nil {
		if errors.Is(err, smtp.ErrCRLF) || errors.Is(err, smtp.ErrLineTooLong) {
			// Connection is out of sync, the session cannot continue.
			s.xerrorf(true, Response{}, "%w: writing message: %s", ErrInvalidMessage, err)
		}
		panic(s.ioErr("write", err))
	}
	restore()
	resp = s.xread()
	if resp.Code != smtp.C250Completed {
		s.xstatusf(ErrStatus, resp, "message: got %d, expected 250", resp.Code)
	}
	s.log.Debug("message accepted by remote", slog.String("line", resp.Line))
}

// quit sends QUIT after a successful submission. Errors are only logged, the
// message has already been accepted.
func (s *session) quit() {
	// ../rfc/5321:2205
	s.startCommand(PhaseMessage, "quit")
	s.advance(StateClosed)
	if _, err := fmt.Fprintf(s.w, "QUIT\r\n"); err != nil {
		s.log.Debugx("writing quit", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		s.log.Debugx("writing quit", err)
		return
	}
	if err := s.conn.SetReadDeadline(earliest(time.Now().Add(min(s.timeout, 5*time.Second)), s.deadline)); err != nil {
		s.log.Debugx("setting read deadline for reading quit response", err)
	} else if line, err := bufs.Readline(s.log, s.r); err != nil {
		s.log.Debugx("reading quit response", err)
	} else {
		s.log.Debug("quit response", slog.String("line", line))
	}
}

// close closes the outermost connection, which closes any underlying
// connection. A TLS connection sends a close notification first, with its own
// short deadline.
func (s *session) close() {
	if s.conn == nil {
		return
	}
	if s.state != StateClosed {
		s.log.Debug("closing connection after failure", slog.Any("state", s.state))
	}
	err := s.conn.Close()
	s.log.Check(err, "closing connection")
	s.conn = nil
	s.state = StateClosed
}
