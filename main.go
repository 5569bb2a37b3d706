package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mjl-/sconf"
	"github.com/russross/blackfriday/v2"

	"github.com/mjl-/smtpsubmit/buildvar"
	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/metrics"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/spool"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"sendmail", cmdSendmail},
	{"failures list", cmdFailuresList},
	{"failures print", cmdFailuresPrint},
	{"failures resend", cmdFailuresResend},
	{"failures remove", cmdFailuresRemove},
	{"config describe", cmdConfigDescribe},
	{"config test", cmdConfigTest},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we run the command but panic after
	// the command has registered its flags and set its params and help
	// information. The panic is caught by gather.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("smtpsubmit "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "smtpsubmit " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "smtpsubmit " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# smtpsubmit %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "smtpsubmit [-config /etc/smtpsubmit.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"smtpsubmit"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // If non-empty, overrides the default log level from the config file.

// mustLoadConfig loads and validates the config file, and applies its log
// levels, with any log level from the command-line taking precedence.
func mustLoadConfig() config.Submit {
	conf, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("%s", err)
	}
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		conf.Log[""] = level
	}
	mlog.SetConfig(conf.Log)
	return conf
}

func main() {
	log.SetFlags(0)

	// If invoked as sendmail, e.g. /usr/sbin/sendmail, we act as sendmail so cron
	// can get a message submitted to the configured server.
	if len(os.Args) > 0 && filepath.Base(os.Args[0]) == "sendmail" {
		configPath = envString("SMTPSUBMITCONF", "/etc/smtpsubmit.conf")
		c := &cmd{
			words:    []string{"sendmail"},
			flag:     flag.NewFlagSet("sendmail", flag.ExitOnError),
			flagArgs: os.Args[1:],
			log:      mlog.New("sendmail", nil),
		}
		cmdSendmail(c)
		return
	}

	flag.StringVar(&configPath, "config", envString("SMTPSUBMITCONF", "/etc/smtpsubmit.conf"), "configuration file, defaults to $SMTPSUBMITCONF with a fallback to /etc/smtpsubmit.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the log level from the configuration file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt format")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = config.DefaultLogLevel
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when a subcommand loads the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("smtpsubmit "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this smtpsubmit version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(buildvar.Version)
	fmt.Printf("%s %s/%s\n", buildvar.GoVersion, runtime.GOOS, runtime.GOARCH)
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">smtpsubmit.conf"
	c.help = `Prints an annotated empty configuration for use as smtpsubmit.conf.

The printed configuration needs modifications to make it valid. The config file
contains the password for the submission server, so it should be readable only
by the user, or a dedicated group if this binary is installed setgid to be used
as sendmail.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Submit
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	_, err := config.Load(configPath)
	var errs interface{ Unwrap() []error }
	if errors.As(err, &errs) && len(errs.Unwrap()) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs.Unwrap() {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println("config OK")
}

// target returns the submission server from the configuration.
func target(conf config.Submit) smtpclient.Target {
	t := smtpclient.Target{
		Host:          conf.Host,
		Port:          conf.Port,
		Timeout:       conf.Timeout,
		LocalHostname: conf.LocalHostnameIPDomain,
		RootCAs:       conf.TLS.CertPool,
	}
	if conf.Socks5Proxy != "" {
		d, err := proxy.SOCKS5("tcp", conf.Socks5Proxy, nil, &net.Dialer{})
		xcheckf(err, "socks5 dialer")
		cd, ok := d.(smtpclient.Dialer)
		if !ok {
			log.Fatalf("socks5 dialer is not a context dialer")
		}
		t.Dialer = cd
	}
	return t
}

func credentials(conf config.Submit) smtpclient.Credentials {
	return smtpclient.Credentials{
		Username:  conf.Username,
		Secret:    conf.Password,
		Mechanism: conf.AuthMethod,
	}
}

// submit sends msg with the configuration. On failure, the message is added to
// the failures database if configured. Metrics are written if configured.
func submit(ctx context.Context, log mlog.Log, conf config.Submit, msg smtpclient.Message) error {
	err := smtpclient.Send(ctx, log.Logger, target(conf), credentials(conf), msg)
	if err != nil {
		saveFailure(ctx, log, conf, msg, err)
	}
	if conf.MetricsTextfile != "" {
		log.Check(metrics.WriteTextfile(log.Logger, conf.MetricsTextfile), "writing metrics")
	}
	return err
}

// saveFailure stores msg in the failures database after submission failed
// with err.
func saveFailure(ctx context.Context, log mlog.Log, conf config.Submit, msg smtpclient.Message, serr error) {
	if conf.FailuresDB == "" {
		return
	}
	p, err := conf.FailuresDBPath()
	if err != nil {
		log.Errorx("finding failures database for storing message", err)
		return
	}
	db, err := spool.Open(ctx, log.Logger, p)
	if err != nil {
		log.Errorx("opening failures database for storing message", err)
		return
	}
	defer func() {
		log.Check(db.Close(), "closing failures database")
	}()
	f := spool.Failure{
		Host:        conf.Host,
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		ContentType: msg.ContentType,
		Body:        msg.Body,
		Phase:       errorPhase(serr),
		Error:       serr.Error(),
	}
	if err := db.Add(ctx, &f); err != nil {
		log.Errorx("storing failed message", err)
		return
	}
	log.Print("message stored in failures database", slog.Int64("id", f.ID), slog.String("path", p))
}

func errorPhase(err error) string {
	var serr smtpclient.Error
	if errors.As(err, &serr) {
		return string(serr.Phase)
	}
	return ""
}

// submitContext returns a context for a single submission. The session timeout
// applies to individual reads and writes, this bounds the whole submission.
func submitContext(conf config.Submit) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 6*conf.Timeout)
}

func cmdSend(c *cmd) {
	c.params = "[-subject subject] [-html | -markdown] [-from address] rcpt ... <body"
	c.help = `Submit a message with the body read from standard input.

The message is submitted to the server from the config file, authenticating
with the configured credentials. The From address defaults to the configured
From. Recipients without @ are replaced by the configured DefaultDestination.

With -markdown, the body is rendered to HTML and sent as text/html.

If the submission fails, the error is printed along with the phase of the
session that failed, and the message is stored in the failures database if
configured. The exit status is 1.
`
	var subject, from string
	var html, markdown bool
	c.flag.StringVar(&subject, "subject", "", "subject of message")
	c.flag.StringVar(&from, "from", "", "from address, overriding the configured From")
	c.flag.BoolVar(&html, "html", false, "body is HTML instead of plain text")
	c.flag.BoolVar(&markdown, "markdown", false, "body is markdown, to be sent as HTML")
	args := c.Parse()
	if len(args) == 0 || html && markdown {
		c.Usage()
	}

	conf := mustLoadConfig()
	if from == "" {
		from = conf.From
	}

	var to []string
	for _, rcpt := range args {
		to = append(to, xlocalRecipient(conf, rcpt))
	}

	body, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading body")

	msg := smtpclient.Message{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    string(body),
	}
	if html {
		msg.ContentType = "text/html"
	} else if markdown {
		msg.ContentType = "text/html"
		msg.Body = markdownHTML(msg.Body)
	}

	ctx, cancel := submitContext(conf)
	defer cancel()
	err = submit(ctx, c.log, conf, msg)
	xcheckf(err, "submit")
}

// markdownHTML renders markdown text as HTML.
func markdownHTML(text string) string {
	opts := []blackfriday.Option{
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	}
	return string(blackfriday.Run([]byte(strings.ReplaceAll(text, "\r\n", "\n")), opts...))
}

// localRecipient returns rcpt, or the configured default destination if rcpt
// is the name of a local user, without @.
func localRecipient(conf config.Submit, rcpt string) (string, error) {
	if strings.Contains(rcpt, "@") {
		return rcpt, nil
	}
	if _, err := smtp.ParseLocalpart(rcpt); err != nil {
		return "", fmt.Errorf("local recipient %q: %w", rcpt, err)
	}
	if conf.DefaultDestination == "" {
		return "", fmt.Errorf("recipient %q has no @ and no default destination configured", rcpt)
	}
	return conf.DefaultDestination, nil
}

func xlocalRecipient(conf config.Submit, rcpt string) string {
	s, err := localRecipient(conf, rcpt)
	if err != nil {
		log.Fatalf("%s", err)
	}
	return s
}

func xspool(conf config.Submit, log mlog.Log) *spool.DB {
	p, err := conf.FailuresDBPath()
	xcheckf(err, "failures database path")
	if p == "" {
		log.Fatalx("no failures database configured", nil)
	}
	db, err := spool.Open(context.Background(), log.Logger, p)
	xcheckf(err, "open failures database")
	return db
}

func cmdFailuresList(c *cmd) {
	c.help = `List messages in the failures database.

Prints the ID, time of the failure, recipients, subject, the phase of the SMTP
session that failed and the error.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	db := xspool(conf, c.log)
	defer db.Close()

	l, err := db.List(context.Background())
	xcheckf(err, "listing failures")
	for _, f := range l {
		var attempts string
		if f.Attempts > 0 {
			attempts = fmt.Sprintf(", %d resend attempts, last %s", f.Attempts, f.LastAttempt.Format(time.RFC3339))
		}
		fmt.Printf("%d %s to %s, subject %q, phase %s%s: %s\n", f.ID, f.Time.Format(time.RFC3339), strings.Join(f.To, ","), f.Subject, f.Phase, attempts, f.Error)
	}
	if len(l) == 0 {
		fmt.Println("(none)")
	}
}

func xparseIDs(c *cmd, args []string) []int64 {
	if len(args) == 0 {
		c.Usage()
	}
	var ids []int64
	for _, s := range args {
		var id int64
		if _, err := fmt.Sscan(s, &id); err != nil || id <= 0 {
			log.Fatalf("invalid id %q", s)
		}
		ids = append(ids, id)
	}
	return ids
}

func cmdFailuresPrint(c *cmd) {
	c.params = "id"
	c.help = `Print a message from the failures database.

The envelope and headers are printed, followed by the body.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ids := xparseIDs(c, args)
	conf := mustLoadConfig()
	db := xspool(conf, c.log)
	defer db.Close()

	f, err := db.Get(context.Background(), ids[0])
	xcheckf(err, "get failure")
	fmt.Printf("Time: %s\nHost: %s\nFrom: %s\nTo: %s\nSubject: %s\n", f.Time.Format(time.RFC3339), f.Host, f.From, strings.Join(f.To, ", "), f.Subject)
	if f.ContentType != "" {
		fmt.Printf("Content-Type: %s\n", f.ContentType)
	}
	fmt.Printf("Error: %s\n\n%s", f.Error, f.Body)
}

func cmdFailuresResend(c *cmd) {
	c.params = "id ..."
	c.help = `Submit messages from the failures database again.

Each message is submitted with the current configuration, in a new session. A
message is removed from the failures database once it is submitted. If a
resend fails, the message stays in the database with the new error. There is
no automatic retrying, resend must be invoked explicitly.
`
	ids := xparseIDs(c, c.Parse())
	conf := mustLoadConfig()
	db := xspool(conf, c.log)
	defer db.Close()

	var failed int
	for _, id := range ids {
		f, err := db.Get(context.Background(), id)
		xcheckf(err, "get failure")

		msg := smtpclient.Message{
			From:        f.From,
			To:          f.To,
			Subject:     f.Subject,
			ContentType: f.ContentType,
			Body:        f.Body,
		}
		ctx, cancel := submitContext(conf)
		err = smtpclient.Send(ctx, c.log.Logger, target(conf), credentials(conf), msg)
		cancel()
		if err != nil {
			failed++
			log.Printf("resend %d: %s", id, err)
			err := db.Attempt(context.Background(), id, errorPhase(err), err.Error())
			xcheckf(err, "recording failed attempt")
			continue
		}
		err = db.Remove(context.Background(), id)
		xcheckf(err, "removing submitted message from failures database")
		fmt.Printf("%d submitted\n", id)
	}
	if conf.MetricsTextfile != "" {
		c.log.Check(metrics.WriteTextfile(c.log.Logger, conf.MetricsTextfile), "writing metrics")
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func cmdFailuresRemove(c *cmd) {
	c.params = "id ..."
	c.help = `Remove messages from the failures database.

Either all messages are removed, or none if an ID does not exist.
`
	ids := xparseIDs(c, c.Parse())
	conf := mustLoadConfig()
	db := xspool(conf, c.log)
	defer db.Close()

	err := db.Remove(context.Background(), ids...)
	xcheckf(err, "removing failures")
	fmt.Printf("%d removed\n", len(ids))
}
