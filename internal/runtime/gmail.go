package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/rate"
)

// DefaultBatchURL is Gmail's multipart batch endpoint.
const DefaultBatchURL = "https://gmail.googleapis.com/batch/gmail/v1"

const fanOutLimit = 8

var metadataHeaders = []string{"From", "Date"}

var errMissingPart = errors.New("missing from batch response")

// GmailOptions configures a GmailClient.
type GmailOptions struct {
	User             string
	PageSize         int
	IncludeSpamTrash bool
	Limiter          rate.Limiter
	BatchURL         string
	Logger           *slog.Logger
}

// GmailClient implements mailbox.Client over the Gmail API.
type GmailClient struct {
	svc      *gmail.Service
	http     *http.Client
	user     string
	pageSize int64
	spam     bool
	limiter  rate.Limiter
	batchURL string
	logger   *slog.Logger
}

// NewGmailClient wraps an authenticated session. Metadata is fetched with
// multipart batch requests when the session carries an HTTP client and with
// concurrent single requests otherwise.
func NewGmailClient(sess Session, opts GmailOptions) *GmailClient {
	c := &GmailClient{
		svc:      sess.Service,
		http:     sess.HTTP,
		user:     opts.User,
		pageSize: int64(opts.PageSize),
		spam:     opts.IncludeSpamTrash,
		limiter:  opts.Limiter,
		batchURL: opts.BatchURL,
		logger:   opts.Logger,
	}
	if c.user == "" {
		c.user = "me"
	}
	if c.pageSize <= 0 {
		c.pageSize = 500
	}
	if c.limiter == nil {
		c.limiter = rate.Unlimited{}
	}
	if c.batchURL == "" {
		c.batchURL = DefaultBatchURL
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// ListMessages returns one page of message ids.
func (c *GmailClient) ListMessages(ctx context.Context, cursor string) (mailbox.ListPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return mailbox.ListPage{}, err
	}
	call := c.svc.Users.Messages.List(c.user).
		MaxResults(c.pageSize).
		IncludeSpamTrash(c.spam).
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return mailbox.ListPage{}, fmt.Errorf("list messages: %w", err)
	}
	page := mailbox.ListPage{
		Refs:         make([]mailbox.MessageRef, 0, len(resp.Messages)),
		NextCursor:   resp.NextPageToken,
		SizeEstimate: int(resp.ResultSizeEstimate),
	}
	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, mailbox.MessageRef{ID: mailbox.MessageID(m.Id), ThreadID: m.ThreadId})
	}
	return page, nil
}

// GetMessageBatch fetches From and Date metadata for ids.
func (c *GmailClient) GetMessageBatch(
	ctx context.Context,
	ids []mailbox.MessageID,
	onItem mailbox.ItemFunc,
) error {
	if len(ids) == 0 {
		return nil
	}
	if c.http == nil {
		return c.fanOut(ctx, ids, onItem)
	}
	return c.batch(ctx, ids, onItem)
}

func (c *GmailClient) fanOut(ctx context.Context, ids []mailbox.MessageID, onItem mailbox.ItemFunc) error {
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				onItem(id, nil, err)
				return err
			}
			msg, err := c.svc.Users.Messages.Get(c.user, string(id)).
				Format("metadata").
				MetadataHeaders(metadataHeaders...).
				Context(ctx).
				Do()
			if err != nil {
				onItem(id, nil, fmt.Errorf("get message: %w", err))
				return nil
			}
			onItem(id, toPayload(msg), nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}
	return nil
}

func (c *GmailClient) batch(ctx context.Context, ids []mailbox.MessageID, onItem mailbox.ItemFunc) error {
	delivered := make([]bool, len(ids))
	deliver := func(i int, p *mailbox.Payload, cause error) {
		if i < 0 || i >= len(ids) || delivered[i] {
			return
		}
		delivered[i] = true
		onItem(ids[i], p, cause)
	}
	failRest := func(cause error) {
		for i := range ids {
			deliver(i, nil, cause)
		}
	}

	// Gmail bills quota per sub-request, not per batch.
	if err := rate.WaitN(ctx, c.limiter, len(ids)); err != nil {
		failRest(err)
		return err
	}
	resp, err := c.postBatch(ctx, ids)
	if err != nil {
		failRest(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		failRest(fmt.Errorf("unexpected batch content type %q", resp.Header.Get("Content-Type")))
		return nil
	}
	reader := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			failRest(fmt.Errorf("read batch response: %w", err))
			return ctx.Err()
		}
		i := partIndex(part.Header.Get("Content-ID"))
		payload, cause := decodePart(part)
		_ = part.Close()
		if i < 0 {
			c.logger.Debug("batch part without usable content id", slog.String("content_id", part.Header.Get("Content-ID")))
			continue
		}
		deliver(i, payload, cause)
	}
	failRest(errMissingPart)
	return nil
}

func (c *GmailClient) postBatch(ctx context.Context, ids []mailbox.MessageID) (*http.Response, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for i, id := range ids {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", fmt.Sprintf("<item-%d>", i))
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("build batch: %w", err)
		}
		q := url.Values{"format": {"metadata"}, "metadataHeaders": metadataHeaders}
		fmt.Fprintf(pw, "GET /gmail/v1/users/%s/messages/%s?%s HTTP/1.1\r\n\r\n",
			url.PathEscape(c.user), url.PathEscape(string(id)), q.Encode())
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, &body)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/mixed; boundary="+w.Boundary())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	if err := googleapi.CheckResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("post batch: %w", err)
	}
	return resp, nil
}

// partIndex maps "<response-item-7>" back to 7.
func partIndex(contentID string) int {
	id := strings.Trim(strings.TrimSpace(contentID), "<>")
	_, n, ok := strings.Cut(id, "item-")
	if !ok {
		return -1
	}
	i, err := strconv.Atoi(n)
	if err != nil {
		return -1
	}
	return i
}

func decodePart(part io.Reader) (*mailbox.Payload, error) {
	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return nil, fmt.Errorf("parse batch part: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, err
	}
	var msg gmail.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return toPayload(&msg), nil
}

func toPayload(m *gmail.Message) *mailbox.Payload {
	p := &mailbox.Payload{
		ID:       mailbox.MessageID(m.Id),
		ThreadID: m.ThreadId,
		Labels:   make([]mailbox.LabelID, 0, len(m.LabelIds)),
	}
	for _, l := range m.LabelIds {
		p.Labels = append(p.Labels, mailbox.LabelID(l))
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			p.Headers = append(p.Headers, mailbox.Header{Name: h.Name, Value: h.Value})
		}
	}
	return p
}

// State returns the mailbox history id, which changes on every mailbox
// modification.
func (c *GmailClient) State(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	profile, err := c.svc.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// ListLabels maps label ids to display names.
func (c *GmailClient) ListLabels(ctx context.Context) (map[mailbox.LabelID]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.Users.Labels.List(c.user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	names := make(map[mailbox.LabelID]string, len(resp.Labels))
	for _, l := range resp.Labels {
		names[mailbox.LabelID(l.Id)] = l.Name
	}
	return names, nil
}

var (
	_ mailbox.Client      = (*GmailClient)(nil)
	_ mailbox.LabelLister = (*GmailClient)(nil)
)
