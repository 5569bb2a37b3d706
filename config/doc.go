/*
Package config holds the configuration file definition for submitting
messages, and loads and validates it.

The configuration file is typically /etc/smtpsubmit.conf. The command line
flag -config or environment variable SMTPSUBMITCONF override the path. The file
contains the submission password, so it should be readable only by the user
(or group) that submits messages.

Below is an "empty" config file, generated from the config file definition in
the source code, along with comments explaining the fields. Fields named "x"
are placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# smtpsubmit.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Hostname or IP address to use in EHLO. Hosts don't always have an FQDN, set it
	# explicitly. An IP address is sent as address literal. Default: localhost.
	# (optional)
	LocalHostname:

	# Submission server to connect to, e.g. mail.<domain>. Also used to verify the
	# TLS certificate of the server.
	Host:

	# Port to connect to. Default: 587. STARTTLS is always required, so port 465
	# with immediate TLS is not supported. (optional)
	Port: 0

	# For SMTP authentication, typically an email address.
	Username:

	# For SMTP authentication. Keep this file readable only by the user or group
	# submitting messages.
	Password:

	# SASL mechanism for authentication, one of: LOGIN, PLAIN, CRAM-MD5,
	# SCRAM-SHA-1, SCRAM-SHA-256. Default: LOGIN. (optional)
	AuthMethod:

	# Address for MAIL FROM in SMTP and From-header in message. Can include a
	# display name, e.g. Cron <cron@example.org>.
	From:

	# Used when a specified recipient does not contain an @ and may be a local user
	# (eg root). (optional)
	DefaultDestination:

	# Timeout in seconds for each read and write on the connection, and for
	# connecting and the TLS handshake. Default: 30. (optional)
	TimeoutSeconds: 0

	# Address of a SOCKS5 proxy to connect through, as host:port. (optional)
	Socks5Proxy:

	# TLS configuration for verifying the certificate of the submission server, e.g.
	# for an internal Certificate Authority. Relative paths are relative to the
	# directory of the config file. By default, the system CA pool is used.
	# (optional)
	TLS:

		# (optional)
		CA:

			# (optional)
			AdditionalToSystem: false

			# (optional)
			CertFiles:
				-

	# Database file for storing messages that could not be submitted, for inspecting
	# and resending with the failures subcommand. Relative paths are relative to the
	# home directory of the user. If empty, failed messages are not stored.
	# (optional)
	FailuresDB:

	# If set, the file is replaced with Prometheus metrics about the submission after
	# each attempt, in the text format of the node exporter textfile collector.
	# Typically in a directory like /var/lib/node_exporter/textfile_collector/ with
	# .prom extension. (optional)
	MetricsTextfile:

	# Default log level, one of: error, info, debug, trace, traceauth, tracedata.
	# Trace logs SMTP protocol transcripts, with traceauth also the authentication
	# exchange with passwords, and tracedata on top of that also the full message.
	# Default: info. (optional)
	LogLevel:

	# Overrides of log level per package (e.g. smtpclient, spool). (optional)
	PackageLogLevels:
		x:

# Examples

A minimal configuration:

	Host: mail.example.org
	Username: cron@example.org
	Password: secret
	From: Cron <cron@example.org>
	DefaultDestination: admin@example.org
	FailuresDB: smtpsubmit-failures.db
*/
package config
