package mime

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// safeCharsets are hints accepted without verification. Anything else
// must be corroborated by the raw text or a detector.
var safeCharsets = map[string]bool{
	"utf-8":        true,
	"iso-8859-1":   true,
	"windows-1252": true,
	"us-ascii":     true,
	"ascii":        true,
}

var (
	charsetPattern     = regexp.MustCompile(`(?i)charset="?([A-Za-z0-9_\-]+)"?`)
	contentTypePattern = regexp.MustCompile(`(?i)content-type:\s*([a-z0-9/\-\+\.]+)`)
	boundaryPattern    = regexp.MustCompile(`(?i)boundary="?([^"\r\n;]+)"?`)
)

// resolveCharset picks the charset for the top-level body: a known-safe
// hint, else the first charset= occurrence in the raw text, else
// statistical detection, else UTF-8 with a warning.
func resolveCharset(hint string, raw []byte, warnings *[]string) string {
	if h := strings.ToLower(strings.TrimSpace(hint)); h != "" {
		if safeCharsets[h] {
			return h
		}
		*warnings = append(*warnings, "ignoring unsafe charset hint "+h)
	}
	if m := charsetPattern.FindSubmatch(raw); m != nil {
		return strings.ToLower(string(m[1]))
	}
	if res, err := chardet.NewTextDetector().DetectBest(raw); err == nil && res.Confidence >= 80 {
		return strings.ToLower(res.Charset)
	}
	return "utf-8"
}

func resolveContentType(hint string, raw []byte) string {
	if hint != "" {
		return strings.ToLower(strings.TrimSpace(hint))
	}
	if m := contentTypePattern.FindSubmatch(raw); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return "text/plain"
}

func sniffBoundary(raw []byte) string {
	if m := boundaryPattern.FindSubmatch(raw); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// convertToUTF8 converts data from the named charset. Unknown charsets
// and conversion failures fall back to interpreting the bytes as UTF-8,
// reported through the false return.
func convertToUTF8(data []byte, charset string) (string, bool) {
	cs := strings.ToLower(strings.TrimSpace(charset))
	switch cs {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(data), true
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return string(data), false
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(decoded) {
		return string(data), false
	}
	return string(decoded), true
}
