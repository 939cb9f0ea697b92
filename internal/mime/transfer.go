package mime

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var transferEncodingPattern = regexp.MustCompile(`(?i)content-transfer-encoding:\s*([a-z0-9\-]+)`)

// resolveTransferEncoding prefers an explicit hint, then the first
// Content-Transfer-Encoding header found in the raw text, then 7bit.
func resolveTransferEncoding(hint string, raw []byte) string {
	if hint != "" {
		return strings.ToLower(strings.TrimSpace(hint))
	}
	if m := transferEncodingPattern.FindSubmatch(raw); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return "7bit"
}

// decodeTransfer decodes body per the transfer encoding. The second
// return value is false when decoding failed and the raw bytes were
// returned instead.
func decodeTransfer(body []byte, encoding string) ([]byte, bool) {
	switch strings.ToLower(encoding) {
	case "base64":
		return decodeBase64(body)
	case "quoted-printable":
		return decodeQuotedPrintable(body), true
	default:
		// 7bit, 8bit, binary and anything unrecognized pass through.
		return body, true
	}
}

// decodeBase64 strips all whitespace before decoding so folded body
// lines decode as one stream.
func decodeBase64(body []byte) ([]byte, bool) {
	compact := make([]byte, 0, len(body))
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			compact = append(compact, c)
		}
	}
	if out, err := base64.StdEncoding.DecodeString(string(compact)); err == nil {
		return out, true
	}
	if out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(string(compact), "=")); err == nil {
		return out, true
	}
	return body, false
}

// decodeQuotedPrintable is a lenient quoted-printable decoder. Soft
// line breaks (= at end of line) join physical lines; malformed escape
// sequences are kept literally instead of aborting. Bytes accumulate
// before any charset conversion so multi-byte characters split across
// escapes survive intact.
func decodeQuotedPrintable(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		if i+2 < len(body) && body[i+1] == '\r' && body[i+2] == '\n' {
			i += 2
			continue
		}
		if i+1 < len(body) && body[i+1] == '\n' {
			i++
			continue
		}
		if i+2 < len(body) {
			hi, okHi := unhex(body[i+1])
			lo, okLo := unhex(body[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
