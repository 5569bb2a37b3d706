package config

import (
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/smtp"
)

// Defaults for optional fields.
const (
	DefaultPort           = 587
	DefaultTimeoutSeconds = 30
	DefaultLocalHostname  = "localhost"
	DefaultAuthMethod     = "LOGIN"
	DefaultLogLevel       = "info"
)

// Submit is the configuration for submitting messages, typically in
// /etc/smtpsubmit.conf.
type Submit struct {
	LocalHostname      string `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nHostname or IP address to use in EHLO. Hosts don't always have an FQDN, set it explicitly. An IP address is sent as address literal. Default: localhost."`
	Host               string `sconf-doc:"Submission server to connect to, e.g. mail.<domain>. Also used to verify the TLS certificate of the server."`
	Port               int    `sconf:"optional" sconf-doc:"Port to connect to. Default: 587. STARTTLS is always required, so port 465 with immediate TLS is not supported."`
	Username           string `sconf-doc:"For SMTP authentication, typically an email address."`
	Password           string `sconf-doc:"For SMTP authentication. Keep this file readable only by the user or group submitting messages."`
	AuthMethod         string `sconf:"optional" sconf-doc:"SASL mechanism for authentication, one of: LOGIN, PLAIN, CRAM-MD5, SCRAM-SHA-1, SCRAM-SHA-256. Default: LOGIN."`
	From               string `sconf-doc:"Address for MAIL FROM in SMTP and From-header in message. Can include a display name, e.g. Cron <cron@example.org>."`
	DefaultDestination string `sconf:"optional" sconf-doc:"Used when a specified recipient does not contain an @ and may be a local user (eg root)."`
	TimeoutSeconds     int    `sconf:"optional" sconf-doc:"Timeout in seconds for each read and write on the connection, and for connecting and the TLS handshake. Default: 30."`
	Socks5Proxy        string `sconf:"optional" sconf-doc:"Address of a SOCKS5 proxy to connect through, as host:port."`
	TLS                struct {
		CA *struct {
			AdditionalToSystem bool     `sconf:"optional"`
			CertFiles          []string `sconf:"optional"`
		} `sconf:"optional"`
		CertPool *x509.CertPool `sconf:"-" json:"-"`
	} `sconf:"optional" sconf-doc:"TLS configuration for verifying the certificate of the submission server, e.g. for an internal Certificate Authority. Relative paths are relative to the directory of the config file. By default, the system CA pool is used."`
	FailuresDB       string            `sconf:"optional" sconf-doc:"Database file for storing messages that could not be submitted, for inspecting and resending with the failures subcommand. Relative paths are relative to the home directory of the user. If empty, failed messages are not stored."`
	MetricsTextfile  string            `sconf:"optional" sconf-doc:"If set, the file is replaced with Prometheus metrics about the submission after each attempt, in the text format of the node exporter textfile collector. Typically in a directory like /var/lib/node_exporter/textfile_collector/ with .prom extension."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also the authentication exchange with passwords, and tracedata on top of that also the full message. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. smtpclient, spool)."`

	// Parsed and derived values.
	LocalHostnameIPDomain dns.IPDomain          `sconf:"-" json:"-"`
	HostIPDomain          dns.IPDomain          `sconf:"-" json:"-"`
	FromAddress           smtp.Address          `sconf:"-" json:"-"`
	Timeout               time.Duration         `sconf:"-" json:"-"`
	Log                   map[string]slog.Level `sconf:"-" json:"-"`
}
