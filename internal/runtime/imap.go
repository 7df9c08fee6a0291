package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/textproto"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
)

// IMAPOptions addresses one IMAP mailbox.
type IMAPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Mailbox  string
	PageSize int
	Logger   *slog.Logger
}

// IMAPClient implements mailbox.Client over one IMAP connection. Message
// ids are UIDs; labels are the message flags.
type IMAPClient struct {
	opts        IMAPOptions
	mu          sync.Mutex
	conn        *imapclient.Client
	uids   []imap.UID
	listed bool
	state  string
	// stateErr is set when the server cannot report flag changes.
	stateErr error
}

var errNoModSeq = errors.New("imap server does not report HIGHESTMODSEQ; flag changes are not tracked")

var headerSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"From", "Date"},
	Peek:         true,
}

// DialIMAP connects, logs in and selects the configured mailbox.
func DialIMAP(ctx context.Context, opts IMAPOptions) (*IMAPClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Port == 0 {
		opts.Port = 993
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)

	var (
		conn *imapclient.Client
		err  error
	)
	if opts.TLS {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to imap %s: %w", addr, err)
	}
	if err := conn.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap login as %s: %w", opts.Username, err)
	}
	condStore := conn.Caps().Has(imap.CapCondStore)
	sel, err := conn.Select(opts.Mailbox, &imap.SelectOptions{ReadOnly: true, CondStore: condStore}).Wait()
	if err != nil {
		_ = conn.Logout().Wait()
		return nil, fmt.Errorf("select %s: %w", opts.Mailbox, err)
	}
	if opts.Logger != nil {
		opts.Logger.Debug("imap mailbox selected",
			slog.String("mailbox", opts.Mailbox),
			slog.Any("messages", sel.NumMessages))
	}
	state, stateErr := mailboxState(sel, condStore)
	return &IMAPClient{
		opts:     opts,
		conn:     conn,
		state:    state,
		stateErr: stateErr,
	}, nil
}

// Close logs out.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Logout().Wait(); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

// ListMessages pages through every UID of the mailbox, newest first. The
// cursor is the offset of the next page.
func (c *IMAPClient) ListMessages(ctx context.Context, cursor string) (mailbox.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return mailbox.ListPage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listed {
		data, err := c.conn.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return mailbox.ListPage{}, fmt.Errorf("search %s: %w", c.opts.Mailbox, err)
		}
		c.uids = data.AllUIDs()
		slices.Reverse(c.uids)
		c.listed = true
	}
	return uidPage(c.uids, cursor, c.opts.PageSize)
}

func uidPage(uids []imap.UID, cursor string, size int) (mailbox.ListPage, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return mailbox.ListPage{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	end := min(offset+size, len(uids))
	page := mailbox.ListPage{SizeEstimate: len(uids)}
	for i := offset; i < end; i++ {
		page.Refs = append(page.Refs, mailbox.MessageRef{ID: mailbox.MessageID(strconv.FormatUint(uint64(uids[i]), 10))})
	}
	if end < len(uids) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// GetMessageBatch fetches the From and Date header fields and the flags of
// ids in one UID FETCH.
func (c *IMAPClient) GetMessageBatch(
	ctx context.Context,
	ids []mailbox.MessageID,
	onItem mailbox.ItemFunc,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pending := make(map[imap.UID]mailbox.MessageID, len(ids))
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(string(id), 10, 32)
		if err != nil {
			onItem(id, nil, fmt.Errorf("invalid uid %q", id))
			continue
		}
		pending[imap.UID(n)] = id
		uids = append(uids, imap.UID(n))
	}
	if len(uids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := c.conn.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	})
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil || buf == nil {
			continue
		}
		id, ok := pending[buf.UID]
		if !ok {
			continue
		}
		delete(pending, buf.UID)
		payload, err := headerPayload(id, buf.Flags, buf.FindBodySection(headerSection))
		onItem(id, payload, err)
	}
	cause := errMissingPart
	if err := cmd.Close(); err != nil {
		cause = fmt.Errorf("uid fetch: %w", err)
	}
	for _, uid := range uids {
		if id, ok := pending[uid]; ok {
			delete(pending, uid)
			onItem(id, nil, cause)
		}
	}
	return ctx.Err()
}

func headerPayload(id mailbox.MessageID, flags []imap.Flag, raw []byte) (*mailbox.Payload, error) {
	if raw == nil {
		return nil, errors.New("header section missing")
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	p := &mailbox.Payload{ID: id}
	for _, f := range flags {
		p.Labels = append(p.Labels, mailbox.LabelID(f))
	}
	fields := h.Fields()
	for fields.Next() {
		p.Headers = append(p.Headers, mailbox.Header{Name: fields.Key(), Value: fields.Value()})
	}
	return p, nil
}

// State identifies the selected mailbox contents as captured at select
// time. It fails on servers without CONDSTORE.
func (c *IMAPClient) State(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.stateErr != nil {
		return "", c.stateErr
	}
	return c.state, nil
}

// mailboxState builds UIDVALIDITY:UIDNEXT:EXISTS:HIGHESTMODSEQ. Deliveries
// move UIDNEXT, expunges move EXISTS and flag stores move HIGHESTMODSEQ.
func mailboxState(sel *imap.SelectData, condStore bool) (string, error) {
	if !condStore || sel.HighestModSeq == 0 {
		return "", errNoModSeq
	}
	return fmt.Sprintf("%d:%d:%d:%d", sel.UIDValidity, sel.UIDNext, sel.NumMessages, sel.HighestModSeq), nil
}

var _ mailbox.Client = (*IMAPClient)(nil)
