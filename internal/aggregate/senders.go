package aggregate

import (
	"sort"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/record"
)

// DefaultTopN is the sender ranking length used when none is given.
const DefaultTopN = 20

// SenderCount is one row of the sender ranking.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// LabelCount is one row of the label breakdown.
type LabelCount struct {
	ID    mailbox.LabelID `json:"id"`
	Name  string          `json:"name,omitempty"`
	Count int             `json:"count"`
}

// TopSenders counts records per sender and returns the n busiest, most
// frequent first. Equal counts keep the order in which the senders first
// appear in records. Records without a sender are skipped.
func TopSenders(records []record.MessageRecord, n int) []SenderCount {
	if n <= 0 {
		n = DefaultTopN
	}
	index := make(map[string]int)
	var ranked []SenderCount
	for _, r := range records {
		if r.Sender == nil {
			continue
		}
		i, ok := index[*r.Sender]
		if !ok {
			i = len(ranked)
			index[*r.Sender] = i
			ranked = append(ranked, SenderCount{Sender: *r.Sender})
		}
		ranked[i].Count++
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// DistinctSenders counts the different non-nil senders in records.
func DistinctSenders(records []record.MessageRecord) int {
	seen := make(map[string]struct{})
	for _, r := range records {
		if r.Sender != nil {
			seen[*r.Sender] = struct{}{}
		}
	}
	return len(seen)
}

// Labels counts how many records carry each label, busiest first with
// first-seen order between equals. Names are filled from names when known.
func Labels(records []record.MessageRecord, names map[mailbox.LabelID]string) []LabelCount {
	index := make(map[mailbox.LabelID]int)
	var out []LabelCount
	for _, r := range records {
		for _, id := range r.Labels {
			i, ok := index[id]
			if !ok {
				i = len(out)
				index[id] = i
				out = append(out, LabelCount{ID: id, Name: names[id]})
			}
			out[i].Count++
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}
