package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/spool"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

func testConfig(t *testing.T, extra string) config.Submit {
	t.Helper()
	const base = `Host: submit.mox.example
Username: mjl@mox.example
Password: test1234
From: Cron <cron@mox.example>
`
	conf, err := config.Parse(strings.NewReader(base+extra), filepath.Join(t.TempDir(), "smtpsubmit.conf"))
	tcheck(t, err, "parse config")
	return conf
}

func TestParseSendmailArgs(t *testing.T) {
	test := func(args []string, expName string, expT bool, expRcpts []string) {
		t.Helper()
		name, tflag, rcpts := parseSendmailArgs(args)
		tcompare(t, name, expName)
		tcompare(t, tflag, expT)
		tcompare(t, rcpts, expRcpts)
	}

	test([]string{"root"}, "", false, []string{"root"})
	test([]string{"-i", "-FCronDaemon", "-oem", "root", "other@mox.example"}, "CronDaemon", false, []string{"root", "other@mox.example"})
	test([]string{"-t", "-i"}, "", true, []string{})
	test([]string{"-t", "--", "-odd"}, "", true, []string{"-odd"})
}

func TestParseSendmailMessage(t *testing.T) {
	conf := testConfig(t, "DefaultDestination: admin@mox.example\n")

	const plain = "From: root (Cron Daemon)\nTo: root\nSubject: =?utf-8?q?h=C3=A9llo?=\n\nline 1\nline 2\n"
	msg, err := parseSendmailMessage(conf, strings.NewReader(plain), "", false, []string{"root", "other@mox.example"})
	tcheck(t, err, "parse")
	tcompare(t, msg, smtpclient.Message{
		From:    "Cron <cron@mox.example>",
		To:      []string{"admin@mox.example", "other@mox.example"},
		Subject: "héllo",
		Body:    "line 1\nline 2\n",
	})

	// Recipients from To header with -t, and -F for the display name.
	const withTo = "To: a@mox.example, \"B\" <b@mox.example>\r\nTo: root\r\nContent-Type: text/html; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n<p>h=C3=A9llo</p>\r\n"
	msg, err = parseSendmailMessage(conf, strings.NewReader(withTo), "Daemon", true, nil)
	tcheck(t, err, "parse with -t")
	tcompare(t, msg.From, `"Daemon" <cron@mox.example>`)
	tcompare(t, msg.To, []string{"a@mox.example", "b@mox.example", "admin@mox.example"})
	tcompare(t, msg.ContentType, "text/html")
	tcompare(t, strings.ReplaceAll(msg.Body, "\r\n", "\n"), "<p>héllo</p>\n")

	const b64 = "Subject: x\nContent-Transfer-Encoding: base64\n\naGVs\nbG8K\n"
	msg, err = parseSendmailMessage(conf, strings.NewReader(b64), "", false, []string{"x@mox.example"})
	tcheck(t, err, "parse base64")
	tcompare(t, msg.Body, "hello\n")

	// Bodies and subjects in other charsets are converted to UTF-8.
	const latin1 = "Subject: =?iso-8859-1?q?h=E9llo?=\nContent-Type: text/plain; charset=ISO-8859-1\nContent-Transfer-Encoding: 8bit\n\nh\xe9llo\n"
	msg, err = parseSendmailMessage(conf, strings.NewReader(latin1), "", false, []string{"x@mox.example"})
	tcheck(t, err, "parse latin1")
	tcompare(t, msg.Subject, "héllo")
	tcompare(t, msg.ContentType, "text/plain")
	tcompare(t, msg.Body, "héllo\n")

	const cp1252 = "Subject: x\nContent-Type: text/plain; charset=windows-1252\nContent-Transfer-Encoding: quoted-printable\n\n=80 5\n"
	msg, err = parseSendmailMessage(conf, strings.NewReader(cp1252), "", false, []string{"x@mox.example"})
	tcheck(t, err, "parse windows-1252")
	tcompare(t, strings.ReplaceAll(msg.Body, "\r\n", "\n"), "€ 5\n")

	bad := func(conf config.Submit, s string, tflag bool, rcpts []string) {
		t.Helper()
		_, err := parseSendmailMessage(conf, strings.NewReader(s), "", tflag, rcpts)
		if err == nil {
			t.Fatalf("parsing %q with -t %v, rcpts %v: expected error", s, tflag, rcpts)
		}
	}
	bad(conf, "Subject: x\n\nbody\n", false, nil)
	bad(conf, "To: a@mox.example\n\nbody\n", true, []string{"b@mox.example"})
	bad(conf, "Subject: x\n\nbody\n", true, nil)
	bad(conf, "Content-Type: multipart/mixed; boundary=x\n\n--x--\n", false, []string{"a@mox.example"})
	bad(conf, "Content-Transfer-Encoding: x-uuencode\n\nbody\n", false, []string{"a@mox.example"})
	bad(conf, "no header line\n", false, []string{"a@mox.example"})
	bad(conf, "Content-Type: text/plain; charset=x-no-such-charset\n\nbody\n", false, []string{"a@mox.example"})
	bad(conf, "Subject: x\n\nbody\n", false, []string{"not a user"})
	bad(testConfig(t, ""), "Subject: x\n\nbody\n", false, []string{"root"})
}

func TestTarget(t *testing.T) {
	conf := testConfig(t, "Port: 2587\nTimeoutSeconds: 5\nLocalHostname: host.mox.example\n")
	tg := target(conf)
	tcompare(t, tg.Host, "submit.mox.example")
	tcompare(t, tg.Port, 2587)
	tcompare(t, tg.Timeout, 5*time.Second)
	tcompare(t, tg.LocalHostname.EHLOName(), "host.mox.example")
	if tg.Dialer != nil {
		t.Fatalf("dialer set without proxy")
	}

	conf = testConfig(t, "Socks5Proxy: 127.0.0.1:1080\n")
	tg = target(conf)
	if tg.Dialer == nil {
		t.Fatalf("no dialer for socks5 proxy")
	}

	creds := credentials(conf)
	tcompare(t, creds, smtpclient.Credentials{Username: "mjl@mox.example", Secret: "test1234", Mechanism: "LOGIN"})
}

// A failed submission is stored in the failures database, and metrics are
// written.
func TestSubmitFailure(t *testing.T) {
	dir := t.TempDir()
	dbpath := filepath.Join(dir, "failures.db")
	promfile := filepath.Join(dir, "smtpsubmit.prom")
	conf := testConfig(t, "FailuresDB: "+dbpath+"\nMetricsTextfile: "+promfile+"\n")

	errRefused := errors.New("connection refused")
	smtpclient.DialHook = func(ctx context.Context, dialer smtpclient.Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		return nil, errRefused
	}
	defer func() {
		smtpclient.DialHook = nil
	}()

	log := mlog.New("send", nil)
	msg := smtpclient.Message{
		From:    conf.From,
		To:      []string{"mjl@mox.example"},
		Subject: "test",
		Body:    "hello\n",
	}
	err := submit(ctxbg, log, conf, msg)
	if !errors.Is(err, smtpclient.ErrConnection) {
		t.Fatalf("got err %v, expected ErrConnection", err)
	}

	db, err := spool.Open(ctxbg, nil, dbpath)
	tcheck(t, err, "open spool")
	defer db.Close()
	l, err := db.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d failures, expected 1", len(l))
	}
	f := l[0]
	tcompare(t, f.Host, "submit.mox.example")
	tcompare(t, f.From, "Cron <cron@mox.example>")
	tcompare(t, f.To, []string{"mjl@mox.example"})
	tcompare(t, f.Body, "hello\n")
	tcompare(t, f.Phase, "dial")
	if !strings.Contains(f.Error, "connection refused") {
		t.Fatalf("error %q does not mention cause", f.Error)
	}

	buf, err := os.ReadFile(promfile)
	tcheck(t, err, "read metrics")
	if !strings.Contains(string(buf), `smtpsubmit_submission_total{result="dial"} 1`) {
		t.Fatalf("submission metric missing from metrics file:\n%s", buf)
	}
}

func TestLocalRecipient(t *testing.T) {
	conf := testConfig(t, "DefaultDestination: admin@mox.example\n")
	tcompare(t, xlocalRecipient(conf, "x@mox.example"), "x@mox.example")
	tcompare(t, xlocalRecipient(conf, "root"), "admin@mox.example")

	if _, err := localRecipient(conf, "not a user"); !errors.Is(err, smtp.ErrBadLocalpart) {
		t.Fatalf("got err %v, expected ErrBadLocalpart", err)
	}
	if _, err := localRecipient(testConfig(t, ""), "root"); err == nil {
		t.Fatalf("expected error for local recipient without default destination")
	}
}

func TestMarkdownHTML(t *testing.T) {
	html := markdownHTML("# Backup\r\n\nDone, *no* errors.\n")
	for _, exp := range []string{"<h1>Backup</h1>", "<p>Done, <em>no</em> errors.</p>"} {
		if !strings.Contains(html, exp) {
			t.Fatalf("missing %q in %q", exp, html)
		}
	}
	if strings.Contains(html, "\r") {
		t.Fatalf("carriage return in html %q", html)
	}
}
