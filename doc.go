/*
Command smtpsubmit submits messages to an SMTP submission server, for hosts
that need to send email, e.g. from cron, without running a mail server.

  - Connects to the submission port, requires STARTTLS and verifies the TLS
    certificate of the server.
  - Authenticates with LOGIN, PLAIN, CRAM-MD5, SCRAM-SHA-1 or SCRAM-SHA-256.
  - Can be installed as /usr/sbin/sendmail.
  - Stores messages that could not be submitted, for inspecting and resending.
  - Writes Prometheus metrics for the node exporter textfile collector.

# Commands

	smtpsubmit [-config /etc/smtpsubmit.conf] [-loglevel level] ...
	smtpsubmit send [-subject subject] [-html | -markdown] [-from address] rcpt ... <body
	smtpsubmit sendmail [-Fname] [ignoredflags] [-t] [rcpt ...] [<message]
	smtpsubmit failures list
	smtpsubmit failures print id
	smtpsubmit failures resend id ...
	smtpsubmit failures remove id ...
	smtpsubmit config describe >smtpsubmit.conf
	smtpsubmit config test
	smtpsubmit version
	smtpsubmit help [command ...]

Use "smtpsubmit help command" for the full help text of a command.

# Configuration

The configuration file, by default /etc/smtpsubmit.conf, is in sconf format.
"smtpsubmit config describe" prints an annotated example, see package config
for the details. A minimal configuration:

	Host: mail.example.org
	Username: cron@example.org
	Password: secret
	From: Cron <cron@example.org>

# Exit status

A submission either succeeds, or fails with exit status 1 and an error message
naming the phase of the SMTP session that failed, e.g. "rcptto" when the server
rejected a recipient. Failed submissions are not retried automatically.
*/
package main
