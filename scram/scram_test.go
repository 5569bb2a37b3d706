package scram

import (
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// Test vector from ../rfc/7677:122
const (
	vecClientNonce = "rOprNGfwEbeRWgbNEkqO"
	vecServerFirst = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
	vecClientFinal = "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
	vecServerFinal = "v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="
)

func newVectorClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(sha256.New, "user", "")
	c.clientNonce = vecClientNonce
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "ClientFirst")
	if clientFirst != "n,,n=user,r=rOprNGfwEbeRWgbNEkqO" {
		t.Fatalf("bad clientFirst %q", clientFirst)
	}
	return c
}

func TestScramClient(t *testing.T) {
	c := newVectorClient(t)
	clientFinal, err := c.ServerFirst([]byte(vecServerFirst), "pencil")
	tcheck(t, err, "ServerFirst")
	if clientFinal != vecClientFinal {
		t.Fatalf("bad clientFinal %q", clientFinal)
	}
	err = c.ServerFinal([]byte(vecServerFinal))
	tcheck(t, err, "ServerFinal")
}

func TestScramClientBadServer(t *testing.T) {
	// Server does not know the password.
	c := newVectorClient(t)
	_, err := c.ServerFirst([]byte(vecServerFirst), "marker")
	tcheck(t, err, "ServerFirst")
	if err := c.ServerFinal([]byte(vecServerFinal)); !errors.Is(err, ErrSignature) {
		t.Fatalf("got %v, expected ErrSignature", err)
	}

	// Server rejects our proof.
	c = newVectorClient(t)
	_, err = c.ServerFirst([]byte(vecServerFirst), "marker")
	tcheck(t, err, "ServerFirst")
	if err := c.ServerFinal([]byte("e=invalid-proof")); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("got %v, expected ErrInvalidProof", err)
	}

	// Unknown error from server.
	c = newVectorClient(t)
	_, err = c.ServerFirst([]byte(vecServerFirst), "pencil")
	tcheck(t, err, "ServerFirst")
	if err := c.ServerFinal([]byte("e=something-else")); err == nil || err.Error() != "error from server: something-else" {
		t.Fatalf("got %v, expected error from server", err)
	}

	// Garbage.
	c = newVectorClient(t)
	_, err = c.ServerFirst([]byte(vecServerFirst), "pencil")
	tcheck(t, err, "ServerFirst")
	if err := c.ServerFinal([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=,x")); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("got %v, expected ErrInvalidEncoding", err)
	}
}

func TestScramClientServerFirst(t *testing.T) {
	check := func(serverFirst string, expErr error) {
		t.Helper()
		c := newVectorClient(t)
		_, err := c.ServerFirst([]byte(serverFirst), "pencil")
		if !errors.Is(err, expErr) {
			t.Fatalf("server first %q: got %v, expected %v", serverFirst, err, expErr)
		}
	}

	check(vecServerFirst, nil)
	check(vecServerFirst+",x=ignored", nil)
	check("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=1024", ErrUnsafe) // Few iterations.
	check("r=rOprNGfwEbeRWgbNEkqOshort,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096", ErrUnsafe)                         // Server added too few random data.
	check("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=c2FsdA==,i=4096", ErrUnsafe)                 // Short salt.
	check("r=otherNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096", ErrProtocol)
	check("m=ext,"+vecServerFirst, ErrExtensionsNotSupported)
	check("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=!!,i=4096", ErrInvalidEncoding)
	check("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=0", ErrInvalidEncoding)
}

func TestScramClientAuthz(t *testing.T) {
	c := NewClient(sha1.New, "a,b", "c=d")
	c.clientNonce = "fyko+d2lbbFgONRv9qkxdawL"
	clientFirst, err := c.ClientFirst()
	tcheck(t, err, "ClientFirst")
	if clientFirst != "n,a=c=3Dd,n=a=2Cb,r=fyko+d2lbbFgONRv9qkxdawL" {
		t.Fatalf("bad clientFirst %q", clientFirst)
	}
}

// Test vector from ../rfc/5802:1016, SCRAM-SHA-1.
func TestScramClientSHA1(t *testing.T) {
	c := NewClient(sha1.New, "user", "")
	c.clientNonce = "fyko+d2lbbFgONRv9qkxdawL"
	_, err := c.ClientFirst()
	tcheck(t, err, "ClientFirst")
	clientFinal, err := c.ServerFirst([]byte("r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"), "pencil")
	tcheck(t, err, "ServerFirst")
	if clientFinal != "c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=" {
		t.Fatalf("bad clientFinal %q", clientFinal)
	}
	err = c.ServerFinal([]byte("v=rmF9pqV8S7suAoZWja4dJRkFsKQ="))
	tcheck(t, err, "ServerFinal")
}
