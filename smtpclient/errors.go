package smtpclient

import (
	"errors"
	"fmt"
)

var (
	ErrConnection     = errors.New("connection error")                                        // Dialing failed, or i/o on the connection failed.
	ErrTimeout        = errors.New("timeout waiting for remote smtp server")                  // No response, or no progress writing, within the configured timeout.
	ErrStatus         = errors.New("remote smtp server sent unexpected response status code") // E.g. a 550 or 451 where a 250 was expected.
	ErrAuth           = errors.New("authentication failed")                                   // Authentication was rejected, or the exchange did not follow the mechanism.
	ErrTLS            = errors.New("tls error")                                               // STARTTLS refused, or TLS handshake failure.
	ErrProtocol       = errors.New("smtp protocol error")                                     // After a malformed SMTP response or inconsistent multi-line response.
	ErrInvalidMessage = errors.New("invalid message")                                         // Message or envelope rejected before connecting.
)

// Phase identifies the step of a submission that failed.
type Phase string

const (
	PhaseCompose   Phase = "compose" // Checking and composing the message, before dialing.
	PhaseDial      Phase = "dial"
	PhaseGreeting  Phase = "greeting"
	PhaseEHLO      Phase = "ehlo"
	PhaseStartTLS  Phase = "starttls"
	PhaseHandshake Phase = "tlshandshake"
	PhaseEHLOTLS   Phase = "ehlotls" // Second EHLO, over TLS.
	PhaseAuth      Phase = "auth"
	PhaseMailFrom  Phase = "mailfrom"
	PhaseRcptTo    Phase = "rcptto"
	PhaseData      Phase = "data"    // DATA command, expecting 354.
	PhaseMessage   Phase = "message" // Message transfer, expecting 250 after the end-of-data marker.
)

// Error is a failure to submit a message.
//
// Code, Secode and Line are only set for errors caused by an SMTP response, and
// are zero values otherwise.
type Error struct {
	// Step of the submission that failed.
	Phase Phase
	// Last state the session reached before the failure.
	State State
	// Whether failure is permanent, typically because of a 5xx response. Retrying
	// the same submission will fail again.
	Permanent bool
	// SMTP response status, e.g. 4xx for transient error and 5xx for permanent
	// failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds with
	// "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, wrapping one of the Err variables in this package.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := string(e.Phase) + ": "
	if e.Err != nil {
		s += e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Response is a parsed SMTP response.
type Response struct {
	Code      int
	Secode    string   // Enhanced status code without class digit, if remote announced ENHANCEDSTATUSCODES.
	Line      string   // First line, without CRLF.
	MoreLines []string // Further lines of a multi-line response.
	Text      string   // Text of the last line, after code and enhanced code.
	MoreTexts []string // Text of further lines, e.g. EHLO extensions.
}

// errorf returns an Error for the current phase and state of the session.
func (s *session) errorf(permanent bool, resp Response, format string, args ...any) error {
	return Error{s.phase, s.state, permanent, resp.Code, resp.Secode, resp.Line, resp.MoreLines, fmt.Errorf(format, args...)}
}

func (s *session) xerrorf(permanent bool, resp Response, format string, args ...any) {
	panic(s.errorf(permanent, resp, format, args...))
}

// xstatusf fails the session for a response with an unexpected code.
func (s *session) xstatusf(sentinel error, resp Response, format string, args ...any) {
	s.xerrorf(resp.Code/100 == 5, resp, "%w: %s", sentinel, fmt.Sprintf(format, args...))
}
