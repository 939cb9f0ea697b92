package discover

import (
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

// IMAP mailbox names escape non-ASCII runs as modified UTF-7
// (RFC 3501 §5.1.3): "&...-" wraps modified base64 ("," instead of "/",
// no padding) of UTF-16BE code units, and "&-" is a literal ampersand.
// This is not the RFC 2152 UTF-7 that general-purpose decoders
// implement, so the codec lives here.

var modifiedBase64 = base64.
	NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").
	WithPadding(base64.NoPadding)

// DecodeMailboxName decodes a modified UTF-7 mailbox name. Malformed
// escape runs are kept verbatim instead of failing the whole name.
func DecodeMailboxName(name string) string {
	if !strings.ContainsRune(name, '&') {
		return name
	}
	var out strings.Builder
	for i := 0; i < len(name); {
		c := name[i]
		if c != '&' {
			out.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(name[i+1:], '-')
		if end < 0 {
			out.WriteString(name[i:])
			break
		}
		run := name[i+1 : i+1+end]
		i += end + 2
		if run == "" {
			out.WriteByte('&')
			continue
		}
		raw, err := modifiedBase64.DecodeString(run)
		if err != nil || len(raw)%2 != 0 {
			out.WriteString("&" + run + "-")
			continue
		}
		units := make([]uint16, len(raw)/2)
		for j := range units {
			units[j] = uint16(raw[2*j])<<8 | uint16(raw[2*j+1])
		}
		out.WriteString(string(utf16.Decode(units)))
	}
	return out.String()
}

// EncodeMailboxName encodes a folder name into modified UTF-7 for use
// in protocol commands.
func EncodeMailboxName(name string) string {
	var out strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		units := utf16.Encode(pending)
		raw := make([]byte, len(units)*2)
		for i, u := range units {
			raw[2*i] = byte(u >> 8)
			raw[2*i+1] = byte(u)
		}
		out.WriteByte('&')
		out.WriteString(modifiedBase64.EncodeToString(raw))
		out.WriteByte('-')
		pending = pending[:0]
	}
	for _, r := range name {
		switch {
		case r == '&':
			flush()
			out.WriteString("&-")
		case r >= 0x20 && r <= 0x7e:
			flush()
			out.WriteRune(r)
		default:
			pending = append(pending, r)
		}
	}
	flush()
	return out.String()
}
