// Package decode implements the character-set decoding stage (C4): wraps a
// byte stream with a charset decoder (UTF-8, Windows-1251) and sanitizes
// control bytes the downstream XML parser would otherwise choke on.
package decode

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
)

// Decode wraps r with the decoder for charsetName ("utf-8" or
// "windows-1251"). Charset is applied exactly once at this boundary; no
// downstream component mixes encodings.
func Decode(r io.Reader, charsetName string) (io.Reader, error) {
	switch strings.ToLower(charsetName) {
	case "":
		return DecodeAuto("", r)
	case "utf-8", "utf8":
		return r, nil
	case "windows-1251", "cp1251":
		return charmap.Windows1251.NewDecoder().Reader(r), nil
	default:
		return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("unsupported charset %q", charsetName), nil)
	}
}

// DecodeAuto detects the encoding when the registry config doesn't pin one
// down, using charset.NewReader: a byte-order mark, then contentTypeHint,
// then an HTML <meta> charset declaration, and otherwise UTF-8 if the
// leading bytes are valid UTF-8, else windows-1252. An XML prolog's
// encoding="..." attribute is not consulted.
func DecodeAuto(contentTypeHint string, r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	out, err := charset.NewReader(br, contentTypeHint)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindConfig, "auto charset detection failed", err)
	}
	return out, nil
}

// Sanitize replaces every control byte below 0x20 other than TAB/LF/CR with
// a single space, streaming through the input without buffering the whole
// document — required because some registries embed SUB (0x1A) and similar
// bytes that would otherwise abort the XML parser.
func Sanitize(r io.Reader) io.Reader {
	return &sanitizingReader{r: r}
}

type sanitizingReader struct {
	r io.Reader
}

func (s *sanitizingReader) Read(buf []byte) (int, error) {
	n, err := s.r.Read(buf)
	for i := 0; i < n; i++ {
		b := buf[i]
		if b < 0x20 && b != 0x09 && b != 0x0A && b != 0x0D {
			buf[i] = 0x20
		}
	}
	return n, err
}
