package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"

	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/xio"
)

func cmdSendmail(c *cmd) {
	c.params = "[-Fname] [ignoredflags] [-t] [rcpt ...] [<message]"
	c.help = `Sendmail is a drop-in replacement for /usr/sbin/sendmail to submit emails sent by unix processes like cron.

If invoked as "sendmail", it will act as sendmail for sending messages. Its
intention is to let processes like cron send emails. Messages are submitted to
an actual mail server over SMTP. The destination mail server and credentials are
configured in /etc/smtpsubmit.conf (or $SMTPSUBMITCONF), see smtpsubmit config
describe. The message header is replaced: From is set to the configured
address, only the Subject and Content-Type of the message are kept. When an
addressee appears to be a local user, because without @, the message is sent to
the configured default address.

Only text/plain and text/html messages are supported, multipart messages are
refused.

If submitting a message fails, it is added to the failures database if
configured, see smtpsubmit failures list.

Most flags are ignored to fake compatibility with other sendmail
implementations. One or more recipients or the -t flag with a To-header is
required. With the -t flag, Cc and Bcc headers are ignored.

/etc/smtpsubmit.conf should be group-readable and not readable by others and
this binary should be setgid that group:

	groupadd smtpsubmit
	install -m 2755 -o root -g smtpsubmit smtpsubmit /usr/sbin/sendmail
	touch /etc/smtpsubmit.conf
	chown root:smtpsubmit /etc/smtpsubmit.conf
	chmod 640 /etc/smtpsubmit.conf
	# edit /etc/smtpsubmit.conf
`

	// We are faking that we parse flags, this is non-standard, we want to be lax and ignore most flags.
	args := c.flagArgs
	c.flagArgs = []string{}
	c.Parse() // We still have to call Parse for the usage gathering.

	// Typical cron usage of sendmail:
	// anacron: https://salsa.debian.org/debian/anacron/-/blob/c939c8c80fc9419c11a5e6be5cbe84f03ad332fd/runjob.c#L183
	// cron: https://github.com/vixie/cron/blob/fea7a6c5421f88f034be8eef66a84d8b65b5fbe0/config.h#L41

	fromName, tflag, rcpts := parseSendmailArgs(args)

	conf := mustLoadConfig()

	msg, err := parseSendmailMessage(conf, os.Stdin, fromName, tflag, rcpts)
	xcheckf(err, "reading message")

	ctx, cancel := submitContext(conf)
	defer cancel()
	err = submit(ctx, c.log, conf, msg)
	xcheckf(err, "submit")
}

// parseSendmailArgs returns the full name from -F, whether -t was set, and the
// remaining arguments, the recipients.
func parseSendmailArgs(args []string) (fromName string, tflag bool, rcpts []string) {
	o := 0
	for i, s := range args {
		if s == "--" {
			o = i + 1
			break
		}
		if !strings.HasPrefix(s, "-") {
			o = i
			break
		}
		s = s[1:]
		if strings.HasPrefix(s, "F") {
			fromName = s[1:]
		} else if s == "t" {
			tflag = true
		}
		o = i + 1
		// Ignore options otherwise.
	}
	return fromName, tflag, args[o:]
}

// parseSendmailMessage reads a message from r and returns the message to
// submit, with recipients from rcpts, or from the To header when tflag is set.
func parseSendmailMessage(conf config.Submit, r io.Reader, fromName string, tflag bool, rcpts []string) (smtpclient.Message, error) {
	var msg smtpclient.Message

	if tflag && len(rcpts) > 0 {
		return msg, errors.New("need either recipients or -t, not both")
	} else if !tflag && len(rcpts) == 0 {
		return msg, errors.New("need either recipients or -t")
	}

	m, err := mail.ReadMessage(r)
	if err != nil {
		return msg, fmt.Errorf("parsing message header: %v", err)
	}

	msg.From = conf.From
	if fromName != "" {
		msg.From = (&mail.Address{Name: fromName, Address: conf.FromAddress.String()}).String()
	}

	if tflag {
		for _, s := range m.Header["To"] {
			if !strings.Contains(s, "@") {
				rcpts = append(rcpts, strings.TrimSpace(s))
				continue
			}
			addrs, err := mail.ParseAddressList(s)
			if err != nil {
				return msg, fmt.Errorf("parsing To address list: %v", err)
			}
			for _, a := range addrs {
				rcpts = append(rcpts, a.Address)
			}
		}
		if len(rcpts) == 0 {
			return msg, errors.New("no recipients in To header")
		}
	}
	for _, rcpt := range rcpts {
		rcpt, err := localRecipient(conf, rcpt)
		if err != nil {
			return msg, err
		}
		msg.To = append(msg.To, rcpt)
	}

	dec := mime.WordDecoder{CharsetReader: xio.DecodeReader}
	subject := m.Header.Get("Subject")
	if s, err := dec.DecodeHeader(subject); err == nil {
		subject = s
	}
	msg.Subject = subject

	// Body is converted to UTF-8, the charset for the submitted message is chosen
	// when composing.
	var charset string
	if ct := m.Header.Get("Content-Type"); ct != "" {
		mt, params, err := mime.ParseMediaType(ct)
		if err != nil {
			return msg, fmt.Errorf("parsing content-type: %v", err)
		}
		if mt != "text/plain" && mt != "text/html" {
			return msg, fmt.Errorf("unsupported content-type %q, only text/plain and text/html", mt)
		}
		msg.ContentType = mt
		charset = params["charset"]
	}

	var body io.Reader = m.Body
	switch cte := strings.ToLower(strings.TrimSpace(m.Header.Get("Content-Transfer-Encoding"))); cte {
	case "", "7bit", "8bit", "binary":
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	default:
		return msg, fmt.Errorf("unsupported content-transfer-encoding %q", cte)
	}
	body, err = xio.DecodeReader(charset, body)
	if err != nil {
		return msg, fmt.Errorf("message body: %v", err)
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return msg, fmt.Errorf("reading message body: %v", err)
	}
	msg.Body = string(buf)
	return msg, nil
}
