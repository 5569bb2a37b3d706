package xio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mjl-/smtpsubmit/mlog"
)

func TestBufpool(t *testing.T) {
	bp := NewBufpool(1, 8)
	a := bp.get()
	b := bp.get()
	for i := 0; i < len(a); i++ {
		a[i] = 1
	}
	log := mlog.New("xio", nil)
	bp.put(log, a, len(a)) // Will be stored.
	bp.put(log, b, 0)      // Will be discarded.
	na := bp.get()
	if fmt.Sprintf("%p", a) != fmt.Sprintf("%p", na) {
		t.Fatalf("received unexpected new buf %p != %p", a, na)
	}
	for _, c := range na {
		if c != 0 {
			t.Fatalf("reused buf not cleared")
		}
	}

	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("this is too long"))); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got error %v", err)
	}
	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("short"))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got error %v", err)
	}

	er := errReader{fmt.Errorf("bad")}
	if _, err := bp.Readline(log, bufio.NewReader(er)); err == nil || !errors.Is(err, er.err) {
		t.Fatalf("got unexpected error %s", err)
	}

	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("ok\r\n"))); line != "ok" {
		t.Fatalf(`got %q, err %v, expected line "ok"`, line, err)
	}
	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("ok\n"))); line != "ok" {
		t.Fatalf(`got %q, err %v, expected line "ok"`, line, err)
	}
}

type errReader struct {
	err error
}

func (r errReader) Read(buf []byte) (int, error) {
	return 0, r.err
}

func TestPrefixConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("rest"))
	}()

	pc := &PrefixConn{PrefixReader: strings.NewReader("buffered "), Conn: client}
	buf := make([]byte, len("buffered rest"))
	if _, err := io.ReadFull(pc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "buffered rest" {
		t.Fatalf("got %q", buf)
	}
	if pc.PrefixReader != nil {
		t.Fatalf("prefix reader not cleared after draining")
	}
}

func TestTrace(t *testing.T) {
	var out bytes.Buffer
	origOutput, origConfig := mlog.Output, mlog.Config()
	mlog.Output = &out
	mlog.SetConfig(map[string]slog.Level{"": mlog.LevelTrace})
	defer func() {
		mlog.Output = origOutput
		mlog.SetConfig(origConfig)
	}()

	log := mlog.New("xio", nil)
	var dst bytes.Buffer
	tw := NewTraceWriter(log, "LC: ", &dst)
	tw.Write([]byte("EHLO localhost\r\n"))
	tw.SetTrace(mlog.LevelTraceauth)
	tw.Write([]byte("c2VjcmV0\r\n"))

	if dst.String() != "EHLO localhost\r\nc2VjcmV0\r\n" {
		t.Fatalf("data not passed through: %q", dst.String())
	}
	if s := out.String(); !strings.Contains(s, "LC: EHLO localhost") || strings.Contains(s, "c2VjcmV0") || !strings.Contains(s, "LC: ***") {
		t.Fatalf("unexpected trace output %q", s)
	}

	out.Reset()
	tr := NewTraceReader(log, "RS: ", strings.NewReader("220 ok\r\n"))
	if _, err := io.ReadAll(tr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if s := out.String(); !strings.Contains(s, "RS: 220 ok") {
		t.Fatalf("unexpected trace output %q", s)
	}
}

func TestIsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := client.Read(make([]byte, 1))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected os.ErrDeadlineExceeded, got %v", err)
	}
	if IsTimeout(io.EOF) {
		t.Fatalf("eof is not a timeout")
	}
}

func TestIsClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	_, err = conn.Read(make([]byte, 1))
	if !IsClosed(err) {
		t.Fatalf("expected closed error, got %v", err)
	}

	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	if !IsClosed(reset) {
		t.Fatalf("connection reset not recognized as closed")
	}
	alert := &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")}
	if !IsClosed(alert) {
		t.Fatalf("tls alert not recognized as closed")
	}
	if IsClosed(io.EOF) || IsClosed(errors.New("other")) {
		t.Fatalf("unexpected closed error")
	}
}

func TestDecodeReader(t *testing.T) {
	test := func(charset, input, exp string) {
		t.Helper()
		r, err := DecodeReader(charset, strings.NewReader(input))
		if err != nil {
			t.Fatalf("decode reader for %q: %v", charset, err)
		}
		buf, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf) != exp {
			t.Fatalf("charset %q: got %q, expected %q", charset, buf, exp)
		}
	}

	test("", "hello", "hello")
	test("UTF-8", "héllo", "héllo")
	test("iso-8859-1", "h\xe9llo", "héllo")
	test("Windows-1252", "\x80", "€")

	if _, err := DecodeReader("x-no-such-charset", strings.NewReader("")); err == nil {
		t.Fatalf("expected error for unknown charset")
	}
}
