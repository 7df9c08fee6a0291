package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
)

type batchItem struct {
	contentID string
	path      string
}

// fakeGmail serves the REST endpoints and the batch endpoint used by
// GmailClient.
type fakeGmail struct {
	mu       sync.Mutex
	requests []batchItem
	missing  map[string]bool
	notFound map[string]bool
	pageHits int
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/batch/gmail/v1":
		f.serveBatch(w, r)
	case r.URL.Path == "/gmail/v1/users/me/messages":
		f.mu.Lock()
		f.pageHits++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"messages":[{"id":"a","threadId":"t1"},{"id":"b","threadId":"t1"}],"nextPageToken":"n1","resultSizeEstimate":3}`)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"id":"c","threadId":"t2"}]}`)
	case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		if f.notFound[id] {
			http.Error(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageJSON(id))
	case r.URL.Path == "/gmail/v1/users/me/profile":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"emailAddress":"me@example.com","historyId":"98765"}`)
	case r.URL.Path == "/gmail/v1/users/me/labels":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"labels":[{"id":"INBOX","name":"INBOX"},{"id":"Label_1","name":"receipts"}]}`)
	default:
		http.NotFound(w, r)
	}
}

func messageJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"threadId":"t","labelIds":["INBOX"],"payload":{"headers":[`+
		`{"name":"From","value":"Sender %s <%s@example.com>"},{"name":"Date","value":"Wed, 1 Jan 2020 08:00:00 +0000"}]}}`,
		id, id, id)
}

func (f *fakeGmail) serveBatch(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	var items []batchItem
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		inner, err := http.ReadRequest(bufio.NewReader(part))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items = append(items, batchItem{contentID: part.Header.Get("Content-ID"), path: inner.URL.RequestURI()})
	}
	f.mu.Lock()
	f.requests = append(f.requests, items...)
	f.mu.Unlock()

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		id := item.path[strings.LastIndex(item.path, "/")+1 : strings.Index(item.path, "?")]
		if f.missing[id] {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<response-"+strings.Trim(item.contentID, "<>")+">")
		pw, _ := mw.CreatePart(h)
		if f.notFound[id] {
			body := `{"error":{"code":404,"message":"Requested entity was not found."}}`
			fmt.Fprintf(pw, "HTTP/1.1 404 Not Found\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
			continue
		}
		body := messageJSON(id)
		fmt.Fprintf(pw, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	}
	_ = mw.Close()
}

func newTestClient(t *testing.T, fake *fakeGmail, withHTTP bool) *GmailClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	sess := Session{Service: svc}
	if withHTTP {
		sess.HTTP = srv.Client()
	}
	return NewGmailClient(sess, GmailOptions{BatchURL: srv.URL + "/batch/gmail/v1", PageSize: 2})
}

type collected struct {
	mu       sync.Mutex
	payloads map[mailbox.MessageID]*mailbox.Payload
	errs     map[mailbox.MessageID]error
	calls    int
}

func (c *collected) onItem(id mailbox.MessageID, p *mailbox.Payload, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err != nil {
		c.errs[id] = err
		return
	}
	c.payloads[id] = p
}

func newCollected() *collected {
	return &collected{payloads: map[mailbox.MessageID]*mailbox.Payload{}, errs: map[mailbox.MessageID]error{}}
}

func TestListMessagesPages(t *testing.T) {
	fake := &fakeGmail{}
	c := newTestClient(t, fake, false)

	first, err := c.ListMessages(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "n1", first.NextCursor)
	assert.Equal(t, 3, first.SizeEstimate)
	assert.Equal(t, []mailbox.MessageRef{{ID: "a", ThreadID: "t1"}, {ID: "b", ThreadID: "t1"}}, first.Refs)

	second, err := c.ListMessages(context.Background(), first.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, second.NextCursor)
	assert.Len(t, second.Refs, 1)
}

func TestBatchDeliversEveryID(t *testing.T) {
	fake := &fakeGmail{
		missing:  map[string]bool{"m3": true},
		notFound: map[string]bool{"m1": true},
	}
	c := newTestClient(t, fake, true)
	got := newCollected()

	ids := []mailbox.MessageID{"m0", "m1", "m2", "m3"}
	require.NoError(t, c.GetMessageBatch(context.Background(), ids, got.onItem))

	assert.Equal(t, len(ids), got.calls)
	require.Contains(t, got.payloads, mailbox.MessageID("m0"))
	require.Contains(t, got.payloads, mailbox.MessageID("m2"))
	assert.Equal(t, mailbox.Header{Name: "From", Value: "Sender m2 <m2@example.com>"}, got.payloads["m2"].Headers[0])
	assert.Equal(t, []mailbox.LabelID{"INBOX"}, got.payloads["m0"].Labels)
	require.Contains(t, got.errs, mailbox.MessageID("m1"))
	assert.Contains(t, got.errs["m1"].Error(), "404")
	assert.ErrorIs(t, got.errs["m3"], errMissingPart)

	require.Len(t, fake.requests, 4)
	assert.Equal(t, "<item-1>", fake.requests[1].contentID)
	assert.Equal(t, "/gmail/v1/users/me/messages/m1?format=metadata&metadataHeaders=From&metadataHeaders=Date",
		fake.requests[1].path)
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return ctx.Err()
}

func TestBatchChargesLimiterPerMessage(t *testing.T) {
	fake := &fakeGmail{}
	c := newTestClient(t, fake, true)
	limiter := &countingLimiter{}
	c.limiter = limiter
	got := newCollected()

	ids := []mailbox.MessageID{"m0", "m1", "m2"}
	require.NoError(t, c.GetMessageBatch(context.Background(), ids, got.onItem))
	assert.Len(t, got.payloads, 3)
	assert.Equal(t, len(ids), limiter.calls)
}

func TestFanOutWithoutHTTPClient(t *testing.T) {
	fake := &fakeGmail{notFound: map[string]bool{"x": true}}
	c := newTestClient(t, fake, false)
	got := newCollected()

	require.NoError(t, c.GetMessageBatch(context.Background(), []mailbox.MessageID{"a", "x", "b"}, got.onItem))
	assert.Equal(t, 3, got.calls)
	assert.Len(t, got.payloads, 2)
	assert.Contains(t, got.errs["x"].Error(), "404")
	assert.Empty(t, fake.requests, "no batch request expected")
}

func TestBatchWholeRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429,"message":"Too many requests"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()
	svc, err := gmail.NewService(context.Background(), option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c := NewGmailClient(Session{Service: svc, HTTP: srv.Client()}, GmailOptions{BatchURL: srv.URL})
	got := newCollected()

	require.NoError(t, c.GetMessageBatch(context.Background(), []mailbox.MessageID{"a", "b"}, got.onItem))
	assert.Equal(t, 2, got.calls)
	assert.Len(t, got.errs, 2)
}

func TestStateAndLabels(t *testing.T) {
	c := newTestClient(t, &fakeGmail{}, true)
	state, err := c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "98765", state)

	labels, err := c.ListLabels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "receipts", labels["Label_1"])
}

func TestPartIndex(t *testing.T) {
	assert.Equal(t, 12, partIndex("<response-item-12>"))
	assert.Equal(t, 0, partIndex("response-item-0"))
	assert.Equal(t, -1, partIndex("<other>"))
	assert.Equal(t, -1, partIndex("<response-item-x>"))
}

func TestToPayloadWithoutHeaders(t *testing.T) {
	p := toPayload(&gmail.Message{Id: "z", LabelIds: []string{"SENT"}})
	assert.Equal(t, mailbox.MessageID("z"), p.ID)
	assert.Empty(t, p.Headers)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SENT")
}
