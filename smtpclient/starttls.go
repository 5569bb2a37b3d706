package smtpclient

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/xio"
)

// tlsConfig returns the configuration for the STARTTLS handshake. The relay
// certificate is always verified.
func (s *session) tlsConfig() *tls.Config {
	var config *tls.Config
	if s.target.TLSConfig != nil {
		config = s.target.TLSConfig.Clone()
	} else {
		config = &tls.Config{RootCAs: s.target.RootCAs}
	}
	if config.ServerName == "" {
		config.ServerName = s.remoteHostname
	}
	if config.MinVersion < tls.VersionTLS12 {
		config.MinVersion = tls.VersionTLS12 // ../rfc/8996:31 ../rfc/8997:66
	}
	return config
}

// xstarttls requests and performs the TLS handshake on the connection. On
// success, the TLS connection replaces the plain connection, and will be the
// only connection that is closed.
func (s *session) xstarttls(ctx context.Context) {
	s.startCommand(PhaseStartTLS, "starttls")
	s.xwriteline("STARTTLS")
	resp := s.xread()
	// ../rfc/3207:107
	if resp.Code != smtp.C220ServiceReady {
		s.xstatusf(ErrTLS, resp, "STARTTLS: got %d, expected 220", resp.Code)
	}
	s.advance(StateUpgradeRequested)

	// We don't want to do TLS on top of s.r because it also prints protocol traces: We
	// don't want to log the TLS stream. So we'll do TLS on the underlying connection,
	// but make sure any bytes already read and in the buffer are used for the TLS
	// handshake.
	s.startCommand(PhaseHandshake, "tlshandshake")
	conn := s.conn
	if n := s.r.Buffered(); n > 0 {
		conn = &xio.PrefixConn{
			PrefixReader: io.LimitReader(s.r, int64(n)),
			Conn:         conn,
		}
	}

	tlsConfig := s.tlsConfig()
	nconn := tls.Client(conn, tlsConfig)
	s.conn = nconn

	nctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := nconn.HandshakeContext(nctx); err != nil {
		if xio.IsTimeout(err) || nctx.Err() == context.DeadlineExceeded {
			s.xerrorf(false, Response{}, "%w: STARTTLS TLS handshake: %w: %s", ErrTLS, ErrTimeout, err)
		}
		s.xerrorf(false, Response{}, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
	}
	cancel()
	s.setConn(nconn)

	version, ciphersuite := xio.TLSInfo(nconn.ConnectionState())
	s.log.Debug("starttls client handshake done",
		slog.String("version", version),
		slog.String("ciphersuite", ciphersuite),
		slog.String("servername", tlsConfig.ServerName),
		slog.Duration("duration", time.Since(s.cmdStart)))
	s.advance(StateSecureChannelActive)
}
