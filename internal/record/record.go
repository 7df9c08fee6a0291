// Package record holds the normalized message records produced by one run.
package record

import "github.com/joshsymonds/inboxstat/internal/mailbox"

// MessageRecord is the normalized form of one successful metadata response.
// Sender and DateRaw are nil when the header was absent.
type MessageRecord struct {
	ID      mailbox.MessageID `json:"id"`
	Labels  []mailbox.LabelID `json:"labels"`
	Sender  *string           `json:"sender"`
	DateRaw *string           `json:"date_raw"`
}

// FetchFailure records a message whose metadata could not be retrieved.
type FetchFailure struct {
	MessageID mailbox.MessageID `json:"message_id"`
	Cause     string            `json:"cause"`
}

// NewRecord builds a record from a payload, taking the first header whose
// name matches exactly. Duplicate labels are collapsed in first-seen order.
func NewRecord(p *mailbox.Payload) MessageRecord {
	return MessageRecord{
		ID:      p.ID,
		Labels:  uniqueLabels(p.Labels),
		Sender:  HeaderValue(p.Headers, "From"),
		DateRaw: HeaderValue(p.Headers, "Date"),
	}
}

// HeaderValue returns the value of the first header named name, or nil.
func HeaderValue(headers []mailbox.Header, name string) *string {
	for _, h := range headers {
		if h.Name == name {
			v := h.Value
			return &v
		}
	}
	return nil
}

func uniqueLabels(in []mailbox.LabelID) []mailbox.LabelID {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[mailbox.LabelID]struct{}, len(in))
	out := make([]mailbox.LabelID, 0, len(in))
	for _, l := range in {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
