// Package dns parses and canonicalizes domain names, including
// internationalized domain names (IDNA).
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errEmpty       = errors.New("empty dns name")
	errIDNA        = errors.New("idna")
)

// Domain is a domain name, with one or more labels, with at least an ASCII
// representation, and for IDNA non-ASCII domains a unicode representation.
// The ASCII string must be used in SMTP commands and for TLS server names.
type Domain struct {
	// A non-unicode domain, e.g. with A-labels (xn--...) or NR-LDH (non-reserved
	// letters/digits/hyphens) labels. Always in lower case.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only domain.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// XName is like Name, but only returns a unicode name when utf8 is true.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable string.
// For IDNA names, the string contains both the unicode and ASCII name.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name that can consist of ASCII-only labels or U
// labels (unicode).
// Names are IDN-canonicalized and lower-cased.
// Characters in unicode can be replaced by equivalents. E.g. "Ⓡ" to "r". This
// means you should only compare parsed domain names, never strings directly.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return Domain{}, errEmpty
	}
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to ascii: %v", errIDNA, err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to unicode: %v", errIDNA, err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// IPDomain is an ip address, a domain, or empty.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// ParseIPDomain parses s as IP address, or otherwise as domain name. IPv6
// addresses may be enclosed in brackets.
func ParseIPDomain(s string) (IPDomain, error) {
	if ip := net.ParseIP(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")); ip != nil {
		return IPDomain{IP: ip}, nil
	}
	d, err := ParseDomain(s)
	if err != nil {
		return IPDomain{}, err
	}
	return IPDomain{Domain: d}, nil
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// IsIP returns whether this is an IP address.
func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

// String returns a string representation of either the IP or domain (with
// UTF-8).
func (d IPDomain) String() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.Name()
}

// ASCII returns the IP address or the ASCII domain name, for use in protocol
// lines, dialing and TLS server names.
func (d IPDomain) ASCII() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.ASCII
}

// EHLOName returns the name to use in an EHLO command. IP addresses are
// written as address literals.
func (d IPDomain) EHLOName() string {
	if !d.IsIP() {
		return d.Domain.ASCII
	}
	// ../rfc/5321:2297
	if d.IP.To4() != nil {
		return "[" + d.IP.String() + "]"
	}
	return "[IPv6:" + d.IP.String() + "]"
}
