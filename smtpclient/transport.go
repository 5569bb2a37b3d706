package smtpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/xio"
)

// Lines longer than the buffer size are a protocol error. ../rfc/5321:3507
var bufs = xio.NewBufpool(8, 2*1024)

// timeoutWriter passes each Write on to conn after setting a write deadline on conn based on
// timeout.
type timeoutWriter struct {
	conn     net.Conn
	timeout  time.Duration
	deadline time.Time // From context, zero if none.
	log      mlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(earliest(time.Now().Add(w.timeout), w.deadline)); err != nil {
		w.log.Errorx("setting write deadline", err)
	}

	return w.conn.Write(buf)
}

func earliest(t, deadline time.Time) time.Time {
	if !deadline.IsZero() && deadline.Before(t) {
		return deadline
	}
	return t
}

// setConn starts using conn for reading and writing, with protocol traces
// logged.
func (s *session) setConn(conn net.Conn) {
	s.conn = conn
	s.tr = xio.NewTraceReader(s.log, "RS: ", conn)
	s.tw = xio.NewTraceWriter(s.log, "LC: ", timeoutWriter{conn, s.timeout, s.deadline, s.log})
	s.r = bufio.NewReader(s.tr)
	s.w = bufio.NewWriter(s.tw)
}

// ioErr returns an error for a failed read or write.
func (s *session) ioErr(op string, err error) error {
	if xio.IsTimeout(err) {
		return s.errorf(false, Response{}, "%w: %s: %s", ErrTimeout, op, err)
	} else if errors.Is(err, xio.ErrLineTooLong) {
		return s.errorf(false, Response{}, "%w: %s: %s", ErrProtocol, op, err)
	} else if xio.IsClosed(err) || errors.Is(err, io.EOF) {
		s.log.Debugx("connection closed", err, slog.String("op", op))
		return s.errorf(false, Response{}, "%w: %s: connection closed: %s", ErrConnection, op, err)
	}
	return s.errorf(false, Response{}, "%w: %s: %s", ErrConnection, op, err)
}

func (s *session) readline() (string, error) {
	if err := s.conn.SetReadDeadline(earliest(time.Now().Add(s.timeout), s.deadline)); err != nil {
		s.log.Errorx("setting read deadline", err)
	}

	line, err := bufs.Readline(s.log, s.r)
	if err != nil {
		return "", s.ioErr("read", err)
	}
	return line, nil
}

// xtrace sets the trace level for both directions, after flushing pending
// writes. The returned function restores regular tracing.
func (s *session) xtrace(level slog.Level) func() {
	s.xflush()
	s.tr.SetTrace(level)
	s.tw.SetTrace(level)
	return func() {
		s.xflush()
		s.tr.SetTrace(mlog.LevelTrace)
		s.tw.SetTrace(mlog.LevelTrace)
	}
}

// startCommand starts a command, for errors and metrics.
func (s *session) startCommand(phase Phase, cmd string) {
	s.phase = phase
	s.cmd = cmd
	s.cmdStart = time.Now()
}

func (s *session) xwritelinef(format string, args ...any) {
	s.xwriteline(fmt.Sprintf(format, args...))
}

// xwriteline writes line with CRLF and flushes.
func (s *session) xwriteline(line string) {
	if _, err := fmt.Fprintf(s.w, "%s\r\n", line); err != nil {
		panic(s.ioErr("write", err))
	}
	s.xflush()
}

func (s *session) xflush() {
	if err := s.w.Flush(); err != nil {
		panic(s.ioErr("write", err))
	}
}

// xread reads a response, possibly multiline. Enhanced status codes are parsed
// if the remote announced support for them.
func (s *session) xread() Response {
	resp, err := s.readecode(s.extEcodes)
	if err != nil {
		panic(err)
	}
	return resp
}

// readecode reads a response, possibly multiline.
// If ecodes, extended codes are parsed.
func (s *session) readecode(ecodes bool) (resp Response, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := s.read1(ecodes)
		if err != nil {
			return resp, err
		}
		if first {
			resp.Line = line
			first = false
		} else {
			resp.MoreLines = append(resp.MoreLines, line)
			if text != "" {
				resp.MoreTexts = append(resp.MoreTexts, text)
			}
		}
		if resp.Code != 0 && co != resp.Code {
			// ../rfc/5321:2771
			return resp, s.errorf(false, resp, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, resp.Code, co)
		}
		resp.Code = co
		if !last {
			continue
		}
		resp.Secode = sec
		resp.Text = text
		if co != smtp.C334ContinueAuth {
			MetricCommands.ObserveLabels(float64(time.Since(s.cmdStart))/float64(time.Second), s.cmd, fmt.Sprintf("%d", co), sec)
			s.log.Debug("smtpclient command result",
				slog.String("cmd", s.cmd),
				slog.Int("code", co),
				slog.String("secode", sec),
				slog.Duration("duration", time.Since(s.cmdStart)))
		}
		return resp, nil
	}
}

// read1 reads a single response line.
// If ecodes, extended codes are parsed.
func (s *session) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = s.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = s.errorf(false, Response{Line: line}, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = s.errorf(false, Response{Line: line}, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	t := line[3:]
	if strings.HasPrefix(t, "-") || strings.HasPrefix(t, " ") {
		last = t[0] == ' '
		t = t[1:]
	} else if t == "" {
		// Allow missing space. ../rfc/5321:2570 ../rfc/5321:2612
		last = true
	} else {
		rerr = s.errorf(false, Response{Code: code, Line: line}, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, t = parseEcode(major, t)
	}

	return code, secode, t, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}
