package mime

import (
	"bytes"
	"fmt"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailsync/pkg/types"
)

// Encode composes a draft into a wire-ready MIME message. Drafts with
// both bodies produce multipart/alternative; pure-ASCII content stays
// 7bit and anything else is quoted-printable encoded. A draft carrying
// only HTML gets a derived plaintext alternative so text-only readers
// see something.
func Encode(draft types.Draft) ([]byte, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	b := enmime.Builder().
		From("", draft.From).
		Subject(draft.Subject)
	for _, addr := range draft.To {
		b = b.To("", addr)
	}
	for _, addr := range draft.Cc {
		b = b.CC("", addr)
	}
	for _, addr := range draft.Bcc {
		b = b.BCC("", addr)
	}

	text := draft.Text
	if text == "" && draft.HTML != "" {
		if derived, err := html2text.FromString(draft.HTML); err == nil {
			text = derived
		}
	}
	if text != "" {
		b = b.Text([]byte(text))
	}
	if draft.HTML != "" {
		b = b.HTML([]byte(draft.HTML))
	}
	for _, att := range draft.Attachments {
		b = b.AddAttachment(att.Data, att.MimeType, att.Filename)
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
