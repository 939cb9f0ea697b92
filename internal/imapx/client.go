package imapx

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// LiveDialer opens real IMAP connections.
type LiveDialer struct {
	logger *logrus.Logger
}

// NewLiveDialer creates a dialer using the given logger.
func NewLiveDialer(logger *logrus.Logger) *LiveDialer {
	return &LiveDialer{logger: logger}
}

// Dial connects and returns an unauthenticated session.
func (d *LiveDialer) Dial(ctx context.Context, p ConnectParams) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)
	tlsConfig := &tls.Config{
		ServerName: p.Host,
		MinVersion: tls.VersionTLS12,
	}

	var cl *client.Client
	var err error
	switch p.Security {
	case SecurityStartTLS:
		cl, err = client.Dial(addr)
		if err == nil {
			err = cl.StartTLS(tlsConfig)
		}
	case SecurityPlain:
		cl, err = client.Dial(addr)
	default:
		cl, err = client.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if p.Timeout > 0 {
		cl.Timeout = p.Timeout
	}
	d.logger.WithField("host", p.Host).Debug("Connected to IMAP server")
	return &liveSession{cl: cl, logger: d.logger}, nil
}

type liveSession struct {
	cl     *client.Client
	logger *logrus.Logger
}

func (s *liveSession) Login(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.cl.Login(username, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return nil
}

var specialUseAttrs = map[string]bool{
	`\sent`:    true,
	`\drafts`:  true,
	`\trash`:   true,
	`\junk`:    true,
	`\spam`:    true,
	`\all`:     true,
	`\flagged`: true,
	`\archive`: true,
}

func (s *liveSession) ListSpecialUse(ctx context.Context) ([]types.Folder, error) {
	folders, err := s.list(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	var tagged []types.Folder
	for _, f := range folders {
		for _, attr := range f.Attributes {
			if specialUseAttrs[strings.ToLower(attr)] {
				tagged = append(tagged, f)
				break
			}
		}
	}
	if len(tagged) == 0 {
		return nil, fmt.Errorf("server returned no SPECIAL-USE attributes")
	}
	return tagged, nil
}

func (s *liveSession) ListAll(ctx context.Context, maxLines, maxBytes int) ([]types.Folder, error) {
	return s.list(ctx, maxLines, maxBytes)
}

func (s *liveSession) list(ctx context.Context, maxLines, maxBytes int) ([]types.Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	seenBytes := 0
	for m := range mailboxes {
		seenBytes += len(m.Name)
		if maxLines > 0 && len(folders) >= maxLines {
			continue // keep draining so the goroutine can finish
		}
		if maxBytes > 0 && seenBytes > maxBytes {
			continue
		}
		folders = append(folders, types.Folder{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

func (s *liveSession) Select(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.cl.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select folder: %w", err)
	}
	return nil
}

func (s *liveSession) SearchAll(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(1, 0)
	uids, err := s.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	out := make([]string, len(uids))
	for i, uid := range uids {
		out[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return out, nil
}

func (s *liveSession) FetchHeaders(ctx context.Context, uids []string) ([]types.MessageHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqSet, err := s.seqSet(uids)
	if err != nil {
		return nil, err
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqSet, items, messages)
	}()

	var headers []types.MessageHeader
	for msg := range messages {
		headers = append(headers, headerFromMessage(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch headers: %w", err)
	}
	return headers, nil
}

func headerFromMessage(msg *imap.Message) types.MessageHeader {
	h := types.MessageHeader{
		UID:   strconv.FormatUint(uint64(msg.Uid), 10),
		Flags: append([]string(nil), msg.Flags...),
	}
	if msg.Envelope != nil {
		h.Subject = msg.Envelope.Subject
		h.Date = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			addr := msg.Envelope.From[0]
			if addr.PersonalName != "" {
				h.Sender = fmt.Sprintf("%s <%s>", addr.PersonalName, addr.Address())
			} else {
				h.Sender = addr.Address()
			}
		}
	}
	if h.Date.IsZero() {
		h.Date = msg.InternalDate
	}
	return h
}

func (s *liveSession) FetchFlags(ctx context.Context, uids []string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqSet, err := s.seqSet(uids)
	if err != nil {
		return nil, err
	}
	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqSet, items, messages)
	}()

	flags := make(map[string][]string)
	for msg := range messages {
		flags[strconv.FormatUint(uint64(msg.Uid), 10)] = append([]string(nil), msg.Flags...)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return flags, nil
}

func (s *liveSession) FetchBody(ctx context.Context, uid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqSet, err := s.seqSet([]string{uid})
	if err != nil {
		return nil, err
	}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchRFC822}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if msg.Body == nil {
			continue
		}
		// Servers key the literal differently; try the RFC822 nil key
		// first, then any populated section.
		if literal, ok := msg.Body[nil]; ok {
			raw = readLiteral(literal)
			continue
		}
		for _, literal := range msg.Body {
			if b := readLiteral(literal); len(b) > 0 {
				raw = b
				break
			}
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch body: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no body content returned for uid %s", uid)
	}
	return raw, nil
}

func (s *liveSession) Store(ctx context.Context, uids []string, flags []string, mode FlagMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqSet, err := s.seqSet(uids)
	if err != nil {
		return err
	}
	var op imap.FlagsOp
	switch mode {
	case RemoveFlags:
		op = imap.RemoveFlags
	case SetFlags:
		op = imap.SetFlags
	default:
		op = imap.AddFlags
	}
	item := imap.FormatFlagsOp(op, true)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := s.cl.UidStore(seqSet, item, values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func (s *liveSession) Expunge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.cl.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

func (s *liveSession) Append(ctx context.Context, folder string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.cl.Append(folder, []string{imap.SeenFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *liveSession) Logout() error {
	return s.cl.Logout()
}

// Close terminates the underlying connection without a LOGOUT round
// trip, which is what cancellation needs.
func (s *liveSession) Close() error {
	return s.cl.Terminate()
}

func (s *liveSession) seqSet(uids []string) (*imap.SeqSet, error) {
	seqSet := new(imap.SeqSet)
	added := 0
	for _, uid := range uids {
		n, err := strconv.ParseUint(uid, 10, 32)
		if err != nil {
			s.logger.WithField("uid", uid).Warn("Skipping non-numeric UID")
			continue
		}
		seqSet.AddNum(uint32(n))
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("no usable UIDs in request")
	}
	return seqSet, nil
}

func readLiteral(literal imap.Literal) []byte {
	body := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	return body
}
