package xio

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// DecodeReader returns a reader that reads from r, decoding from charset to
// UTF-8. If charset is empty, us-ascii or utf-8, r is returned as is. An error
// is returned for charsets that cannot be decoded.
func DecodeReader(charset string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8":
		return r, nil
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", charset)
	}
	return enc.NewDecoder().Reader(r), nil
}
