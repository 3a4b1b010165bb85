// Package decode normalizes mail text and header values to UTF-8.
//
// Remote mail arrives in whatever encoding the sender picked, frequently
// without a declared charset. Text detection is best-effort; when nothing
// can be detected the legacy CJK default (GB18030) is assumed.
package decode

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	msgcharset "github.com/emersion/go-message/charset"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// fallbackLabel is assumed when detection yields nothing.
const fallbackLabel = "gb18030"

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		return msgcharset.Reader(label, input)
	},
}

// Text re-encodes b as UTF-8. Valid UTF-8 passes through untouched and a
// declared encoding (BOM or meta tag) is honored. Undeclared input tries
// the legacy CJK default (GB18030) strictly first, then the sniffer's
// latin guess; bytes that survive neither come back as the encoding label
// itself instead of content.
//
// Known limitation: callers must tolerate a label where text was expected;
// the record is flagged for later correction rather than dropped.
func Text(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}

	enc, label, certain := charset.DetermineEncoding(b, "")
	if certain {
		if decoded, ok := decodeStrict(b, enc); ok {
			return decoded
		}
		return label
	}
	if decoded, ok := decodeStrict(b, simplifiedchinese.GB18030); ok {
		return decoded
	}
	// An uncertain sniff defaults to a latin charmap whose decoder accepts
	// every byte. C1 controls in the output mean the guess missed: real
	// latin text never carries them.
	if decoded, ok := decodeStrict(b, enc); ok && !hasC1(decoded) {
		return decoded
	}
	return fallbackLabel
}

// decodeStrict decodes b under enc and reports failure instead of
// smuggling replacement runes into the result.
func decodeStrict(b []byte, enc encoding.Encoding) (string, bool) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), enc.NewDecoder()))
	if err != nil || bytes.ContainsRune(decoded, utf8.RuneError) {
		return "", false
	}
	return string(decoded), true
}

func hasC1(s string) bool {
	for _, r := range s {
		if r >= 0x80 && r <= 0x9f {
			return true
		}
	}
	return false
}

// Header decodes an RFC 2047 header value to UTF-8. Encoded-words that
// arrive wrapped in stray quotes (a common producer bug) are unwrapped
// first; cleaned pieces are rejoined with single spaces. On decode failure
// the raw value falls back to Text; a value that survives nothing comes
// back unchanged.
func Header(raw string) string {
	cleaned := cleanEncodedWords(raw)
	decoded, err := wordDecoder.DecodeHeader(cleaned)
	if err == nil {
		return decoded
	}
	if text := Text([]byte(raw)); text != "" {
		return text
	}
	return raw
}

func cleanEncodedWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	pieces := strings.Fields(s)
	for i, piece := range pieces {
		if len(piece) < 2 {
			continue
		}
		quote := piece[0]
		if (quote == '"' || quote == '\'') && piece[len(piece)-1] == quote {
			inner := piece[1 : len(piece)-1]
			if strings.HasPrefix(inner, "=?") && strings.HasSuffix(inner, "?=") {
				pieces[i] = inner
			}
		}
	}
	return strings.Join(pieces, " ")
}
