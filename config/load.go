package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/smtp"
)

// Load reads and parses the config file at p. All problems found are returned,
// joined.
func Load(p string) (Submit, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("SMTPSUBMITCONF") == "" {
			return Submit{}, fmt.Errorf("open config file: %v (hint: use smtpsubmit -config ... or set SMTPSUBMITCONF=...)", err)
		}
		return Submit{}, fmt.Errorf("open config file: %v", err)
	}
	defer f.Close()
	return Parse(f, p)
}

// Parse parses a config file from r. The configFile path is used for resolving
// relative paths.
func Parse(r io.Reader, configFile string) (Submit, error) {
	var c Submit
	if err := sconf.Parse(r, &c); err != nil {
		return Submit{}, fmt.Errorf("parsing %s%v", configFile, err)
	}
	if errs := prepare(&c, configFile); len(errs) > 0 {
		return Submit{}, errors.Join(errs...)
	}
	return c, nil
}

// prepare sets defaults, validates and fills the derived fields.
func prepare(c *Submit, configFile string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.LocalHostname == "" {
		c.LocalHostname = DefaultLocalHostname
	}
	hostname, err := dns.ParseIPDomain(c.LocalHostname)
	if err != nil {
		addErrorf("parsing local hostname: %s", err)
	}
	c.LocalHostnameIPDomain = hostname

	if c.Host == "" {
		addErrorf("missing host")
	} else if host, err := dns.ParseIPDomain(c.Host); err != nil {
		addErrorf("parsing host: %s", err)
	} else {
		c.HostIPDomain = host
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	} else if c.Port < 0 || c.Port > 65535 {
		addErrorf("invalid port %d", c.Port)
	}

	if c.Username == "" {
		addErrorf("missing username")
	}
	if c.AuthMethod == "" {
		c.AuthMethod = DefaultAuthMethod
	}
	if _, err := sasl.NewClient(c.AuthMethod, c.Username, c.Password); err != nil {
		addErrorf("auth method: %s", err)
	}

	if addr, err := ParseFrom(c.From); err != nil {
		addErrorf("parsing from address %q: %s", c.From, err)
	} else {
		c.FromAddress = addr
	}
	if c.DefaultDestination != "" {
		if _, err := smtp.ParseAddress(c.DefaultDestination); err != nil {
			addErrorf("parsing default destination %q: %s", c.DefaultDestination, err)
		}
	}

	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	} else if c.TimeoutSeconds < 0 {
		addErrorf("timeout must be positive, got %d", c.TimeoutSeconds)
	}
	c.Timeout = time.Duration(c.TimeoutSeconds) * time.Second

	if c.Socks5Proxy != "" {
		if _, port, err := net.SplitHostPort(c.Socks5Proxy); err != nil {
			addErrorf("parsing socks5 proxy address: %s", err)
		} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			addErrorf("parsing socks5 proxy port: %s", err)
		}
	}

	// Load CA certificate pool.
	if c.TLS.CA != nil {
		if c.TLS.CA.AdditionalToSystem {
			var err error
			c.TLS.CertPool, err = x509.SystemCertPool()
			if err != nil {
				addErrorf("fetching system CA cert pool: %v", err)
			}
		} else {
			c.TLS.CertPool = x509.NewCertPool()
		}
		for _, certfile := range c.TLS.CA.CertFiles {
			p := configDirPath(configFile, certfile)
			pemBuf, err := os.ReadFile(p)
			if err != nil {
				addErrorf("reading TLS CA cert file: %v", err)
				continue
			} else if c.TLS.CertPool != nil && !c.TLS.CertPool.AppendCertsFromPEM(pemBuf) {
				addErrorf("no CA certs added from %q", p)
			}
		}
	}
	return
}

// ParseFrom parses an address with optional display name, returning the
// address for use in MAIL FROM.
func ParseFrom(s string) (smtp.Address, error) {
	if addr, err := smtp.ParseAddress(s); err == nil {
		return addr, nil
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return smtp.Address{}, err
	}
	return smtp.ParseAddress(a.Address)
}

// configDirPath returns the path relative to the directory of the config file,
// unless p is absolute.
func configDirPath(configFile, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configFile), p)
}

// FailuresDBPath returns the path of the failures database, relative to the
// home directory if not absolute. Empty if not configured.
func (c Submit) FailuresDBPath() (string, error) {
	if c.FailuresDB == "" || filepath.IsAbs(c.FailuresDB) {
		return c.FailuresDB, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory for failures database: %v", err)
	}
	return filepath.Join(homedir, strings.TrimPrefix(c.FailuresDB, "~/")), nil
}
