package smtp

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart, got %v", err)
		}
	}

	good("user")
	good("a")
	good("a.b.c")
	good(`""`)
	good(`"ok"`)
	good(`"a.bc"`)
	bad("")
	bad(`"`)          // missing ending dquot
	bad("\x00")       // control not allowed
	bad("\"\\")       // ending with backslash
	bad("\"\x01")     // control not allowed in dquote
	bad(`""leftover`) // leftover data after close dquote
}

func TestParseAddress(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@example.com")
	good("a@example.com")
	good(`"with space"@example.com`)
	bad("user@@example.com")
	bad("user@example.com.")                       // trailing dot
	bad(strings.Repeat("a", 129) + "@example.com") // localpart too long
	bad("user")                   // missing @domain
	bad("@example.com")           // missing localpart
	bad(`"@example.com`)          // missing ending dquot or domain
	bad("\x00@example.com")       // control not allowed
	bad("\"\\@example.com")       // missing @domain
	bad("\"\x01@example.com")     // control not allowed in dquote
	bad(`""leftover@example.com`) // leftover data after close dquot
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom not allowed.
		{`a.b`, `a.b`}, // Fine.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // All ascii that are fine as atom.
		{` `, `" "`},
		{"\x01", "\"\x01\""},
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("PackLocalpart for %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestAddressForms(t *testing.T) {
	a, err := ParseAddress("møx@☺.example")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.IsInternational() {
		t.Fatalf("non-ascii localpart not international")
	}
	if got := a.Pack(false); got != "møx@xn--74h.example" {
		t.Fatalf("pack ascii domain, got %q", got)
	}
	if got := a.String(); got != "møx@☺.example" {
		t.Fatalf("string, got %q", got)
	}
	if got := a.LogString(); got != `møx@☺.example/"m\u00f8x"@xn--74h.example` {
		t.Fatalf("logstring, got %q", got)
	}

	b, err := ParseAddress("user@☺.example")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.IsInternational() {
		t.Fatalf("idna domain with ascii localpart must not need smtputf8")
	}
	if got := b.Pack(false); got != "user@xn--74h.example" {
		t.Fatalf("pack, got %q", got)
	}
	if !(Address{}).IsZero() || b.IsZero() {
		t.Fatalf("iszero")
	}
}
