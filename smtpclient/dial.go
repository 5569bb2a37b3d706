package smtpclient

import (
	"context"
	"net"
	"time"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

// Dialer is used to dial the submission server, an interface to facilitate
// testing and dialing through a proxy.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	if dialer == nil {
		dialer = &net.Dialer{}
	}
	// If this is a net.Dialer, use its settings and add the timeout.
	// This is the typical case, but a SOCKS5 proxy can use a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(ctx, "tcp", addr)
}
