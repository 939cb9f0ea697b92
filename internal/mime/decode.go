// Package mime turns raw message blobs into structured content and
// composes outgoing messages. The decode path is stateless and never
// fails on malformed input: anything it cannot make sense of degrades
// to a best-effort UTF-8 rendition with a recorded warning.
package mime

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdmime "mime"
	"strconv"
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

// DefaultMaxDepth bounds multipart recursion. Parts nested deeper are
// flattened into their parent with a warning instead of being parsed.
const DefaultMaxDepth = 8

// Hint carries caller-supplied metadata about a raw message, typically
// taken from protocol-level headers the caller already parsed.
type Hint struct {
	Charset          string
	TransferEncoding string
	ContentType      string
}

// Result is the decoded view of a message.
type Result struct {
	Text             string
	HTML             string
	ContentType      string
	Charset          string
	TransferEncoding string
	IsMultipart      bool
	Attachments      []types.Attachment
	Warnings         []string
}

// Decoder decodes raw messages. The zero value is usable; MaxDepth
// falls back to DefaultMaxDepth when unset.
type Decoder struct {
	MaxDepth int
}

// NewDecoder returns a Decoder with default limits.
func NewDecoder() *Decoder {
	return &Decoder{MaxDepth: DefaultMaxDepth}
}

// Decode parses raw into text/HTML bodies and attachments.
func (d *Decoder) Decode(raw []byte, hint Hint) Result {
	res := Result{}

	res.Charset = resolveCharset(hint.Charset, raw, &res.Warnings)
	res.TransferEncoding = resolveTransferEncoding(hint.TransferEncoding, raw)
	res.ContentType = resolveContentType(hint.ContentType, raw)

	header, body := splitHeaderBody(raw)
	if header == nil {
		res.Warnings = append(res.Warnings, "no header/body separator found, treating entire input as body")
		body = raw
	}

	if strings.HasPrefix(res.ContentType, "multipart/") {
		res.IsMultipart = true
		boundary := sniffBoundary(raw)
		if boundary == "" {
			res.Warnings = append(res.Warnings, "multipart content without boundary parameter")
			res.Text = d.decodeLeafText(body, res.TransferEncoding, res.Charset, &res.Warnings)
			return res
		}
		d.walkParts(body, boundary, "", 0, &res)
		return res
	}

	text := d.decodeLeafText(body, res.TransferEncoding, res.Charset, &res.Warnings)
	if strings.HasPrefix(res.ContentType, "text/html") {
		res.HTML = text
	} else {
		res.Text = text
	}
	return res
}

// walkParts splits body on boundary and processes each non-empty part.
// Part ids are zero-based and dot-joined per nesting level, so the
// first child of the third part is "2.0".
func (d *Decoder) walkParts(body []byte, boundary, prefix string, depth int, res *Result) {
	for idx, part := range splitParts(body, boundary) {
		partID := prefix + strconv.Itoa(idx)
		head, pbody := splitHeaderBody(part)
		if head == nil {
			head, pbody = nil, part
		}
		ph := parsePartHeader(head)

		if strings.HasPrefix(ph.contentType, "multipart/") {
			if depth+1 >= d.maxDepth() {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("part %s: multipart nesting exceeds depth %d, flattening", partID, d.maxDepth()))
				if res.Text == "" {
					res.Text = d.decodeLeafText(pbody, ph.transferEncoding, ph.charset, &res.Warnings)
				}
				continue
			}
			inner := ph.boundary
			if inner == "" {
				inner = sniffBoundary(part)
			}
			if inner == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("part %s: nested multipart without boundary", partID))
				continue
			}
			d.walkParts(pbody, inner, partID+".", depth+1, res)
			continue
		}

		if isAttachment(ph) {
			data, ok := decodeTransfer(pbody, ph.transferEncoding)
			if !ok {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("part %s: undecodable %s content, keeping raw bytes", partID, ph.transferEncoding))
			}
			sum := sha256.Sum256(data)
			res.Attachments = append(res.Attachments, types.Attachment{
				PartID:    partID,
				Filename:  ph.filename,
				MimeType:  ph.contentType,
				Size:      len(data),
				Data:      data,
				ContentID: ph.contentID,
				Inline:    ph.disposition == "inline",
				Checksum:  hex.EncodeToString(sum[:]),
			})
			continue
		}

		// First occurrence of each body kind wins; later duplicates
		// from sibling alternatives are ignored.
		switch {
		case strings.HasPrefix(ph.contentType, "text/html"):
			if res.HTML == "" {
				res.HTML = d.decodeLeafText(pbody, ph.transferEncoding, ph.charset, &res.Warnings)
			}
		case strings.HasPrefix(ph.contentType, "text/plain"), ph.contentType == "":
			if res.Text == "" {
				res.Text = d.decodeLeafText(pbody, ph.transferEncoding, ph.charset, &res.Warnings)
			}
		}
	}
}

func (d *Decoder) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultMaxDepth
}

// decodeLeafText decodes transfer encoding then converts to UTF-8.
func (d *Decoder) decodeLeafText(body []byte, te, cs string, warnings *[]string) string {
	data, ok := decodeTransfer(body, te)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("undecodable %s body, using raw bytes", te))
	}
	text, ok := convertToUTF8(data, cs)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("unknown charset %q, falling back to UTF-8", cs))
	}
	return text
}

// isAttachment implements the classification rule: an explicit
// attachment disposition always counts; binary-ish media types count
// unless the part is an inline image referenced by content id.
func isAttachment(ph partHeader) bool {
	if ph.disposition == "attachment" {
		return true
	}
	for _, prefix := range []string{"application/", "image/", "audio/", "video/"} {
		if strings.HasPrefix(ph.contentType, prefix) {
			inlineImage := ph.contentID != "" && ph.disposition == "inline"
			return !inlineImage
		}
	}
	return false
}

type partHeader struct {
	contentType      string
	charset          string
	transferEncoding string
	disposition      string
	filename         string
	contentID        string
	boundary         string
}

// parsePartHeader extracts the fields the pipeline cares about from a
// raw header block. Unparseable values are left empty rather than
// reported as errors.
func parsePartHeader(head []byte) partHeader {
	ph := partHeader{transferEncoding: "7bit"}
	if len(head) == 0 {
		return ph
	}
	for _, line := range unfoldHeaderLines(head) {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch name {
		case "content-type":
			mt, params, err := stdmime.ParseMediaType(value)
			if err != nil {
				ph.contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
				continue
			}
			ph.contentType = mt
			if cs := params["charset"]; cs != "" {
				ph.charset = strings.ToLower(cs)
			}
			if b := params["boundary"]; b != "" {
				ph.boundary = b
			}
			if n := params["name"]; n != "" && ph.filename == "" {
				ph.filename = n
			}
		case "content-transfer-encoding":
			ph.transferEncoding = strings.ToLower(value)
		case "content-disposition":
			disp, params, err := stdmime.ParseMediaType(value)
			if err != nil {
				ph.disposition = strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
				continue
			}
			ph.disposition = disp
			if fn := params["filename"]; fn != "" {
				ph.filename = fn
			}
		case "content-id":
			ph.contentID = strings.Trim(value, "<>")
		}
	}
	return ph
}

// unfoldHeaderLines joins RFC 5322 continuation lines onto their
// parent header line.
func unfoldHeaderLines(head []byte) []string {
	rawLines := strings.Split(string(head), "\n")
	var lines []string
	for _, l := range rawLines {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitHeaderBody splits on the first blank line. A nil header means
// no separator was found.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return nil, raw
}

// splitParts returns the non-empty parts delimited by the boundary,
// stopping at the closing delimiter.
func splitParts(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	chunks := bytes.Split(body, delim)
	if len(chunks) < 2 {
		return nil
	}
	var parts [][]byte
	for _, c := range chunks[1:] {
		if bytes.HasPrefix(c, []byte("--")) {
			break
		}
		c = bytes.TrimPrefix(c, []byte("\r\n"))
		c = bytes.TrimPrefix(c, []byte("\n"))
		c = bytes.TrimRight(c, "\r\n")
		if len(bytes.TrimSpace(c)) == 0 {
			continue
		}
		parts = append(parts, c)
	}
	return parts
}
