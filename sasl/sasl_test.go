package sasl

import (
	"errors"
	"strings"
	"testing"
)

type step struct {
	fromServer string
	toServer   string
	last       bool
}

func testClient(t *testing.T, c Client, name string, cleartext bool, steps []step) {
	t.Helper()
	gotName, gotCleartext := c.Info()
	if gotName != name || gotCleartext != cleartext {
		t.Fatalf("info: got %q %v, expected %q %v", gotName, gotCleartext, name, cleartext)
	}
	for i, s := range steps {
		var fromServer []byte
		if i > 0 {
			fromServer = []byte(s.fromServer)
		}
		toServer, last, err := c.Next(fromServer)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if string(toServer) != s.toServer || last != s.last {
			t.Fatalf("step %d: got %q %v, expected %q %v", i, toServer, last, s.toServer, s.last)
		}
	}
	if _, _, err := c.Next([]byte("extra")); err == nil {
		t.Fatalf("expected error for step beyond last")
	}
}

func TestLogin(t *testing.T) {
	c := NewClientLogin("mjl", "secret")
	testClient(t, c, "LOGIN", true, []step{
		{"", "", false},
		{"Username:", "mjl", false},
		{"Password:", "secret", true},
	})

	// Initial response must be nil, not empty: "AUTH LOGIN" without "=".
	c = NewClientLogin("mjl", "secret")
	if toServer, _, _ := c.Next(nil); toServer != nil {
		t.Fatalf("initial response %q, expected nil", toServer)
	}
}

func TestPlain(t *testing.T) {
	testClient(t, NewClientPlain("mjl", "secret"), "PLAIN", true, []step{
		{"", "\u0000mjl\u0000secret", true},
	})
}

func TestCRAMMD5(t *testing.T) {
	// Example from ../rfc/2195:107
	testClient(t, NewClientCRAMMD5("tim", "tanstaaftanstaaf"), "CRAM-MD5", false, []step{
		{"", "", false},
		{"<1896.697170952@postoffice.reston.mci.net>", "tim b913a602c7eda7a495b4e6e7334d3890", true},
	})

	for _, challenge := range []string{"1896.697170952@host", "<1896697170952@host>", "<1896.697170952>", "<1896.@host>"} {
		c := NewClientCRAMMD5("tim", "tanstaaftanstaaf")
		c.Next(nil)
		if _, _, err := c.Next([]byte(challenge)); err == nil {
			t.Fatalf("expected error for challenge %q", challenge)
		}
	}
}

func TestSCRAMFirst(t *testing.T) {
	for _, mech := range []string{"SCRAM-SHA-1", "scram-sha-256"} {
		c, err := NewClient(mech, "user", "pencil")
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		name, cleartext := c.Info()
		if name != strings.ToUpper(mech) || cleartext {
			t.Fatalf("info: got %q %v", name, cleartext)
		}
		toServer, last, err := c.Next(nil)
		if err != nil || last || !strings.HasPrefix(string(toServer), "n,,n=user,r=") {
			t.Fatalf("first step: got %q %v %v", toServer, last, err)
		}
		// Server nonce not prefixed by our nonce.
		if _, _, err := c.Next([]byte("r=other,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096")); err == nil {
			t.Fatalf("expected error for server dropping our nonce")
		}
	}
}

func TestNewClient(t *testing.T) {
	for _, mech := range Mechanisms {
		c, err := NewClient(strings.ToLower(mech), "u", "p")
		if err != nil {
			t.Fatalf("new client %s: %v", mech, err)
		}
		if name, _ := c.Info(); name != mech {
			t.Fatalf("got mechanism %q, expected %q", name, mech)
		}
	}
	if _, err := NewClient("XOAUTH2", "u", "p"); !errors.Is(err, ErrMechanism) {
		t.Fatalf("got %v, expected ErrMechanism", err)
	}
}
