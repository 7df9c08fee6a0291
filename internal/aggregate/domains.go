package aggregate

import (
	"net/mail"
	"sort"
	"strings"

	"github.com/joshsymonds/inboxstat/internal/record"
)

// DomainCount is one row of the sender domain ranking.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// TopDomains ranks the domains of sender addresses like TopSenders ranks
// senders. Senders without a recognisable address are skipped.
func TopDomains(records []record.MessageRecord, n int) []DomainCount {
	if n <= 0 {
		n = DefaultTopN
	}
	index := make(map[string]int)
	var ranked []DomainCount
	for _, r := range records {
		if r.Sender == nil {
			continue
		}
		dom := domainOf(*r.Sender)
		if dom == "" {
			continue
		}
		i, ok := index[dom]
		if !ok {
			i = len(ranked)
			index[dom] = i
			ranked = append(ranked, DomainCount{Domain: dom})
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

func domainOf(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return extractDomain(from)
	}
	for _, addr := range addrs {
		if dom := extractDomain(addr.Address); dom != "" {
			return dom
		}
	}
	return ""
}

func extractDomain(address string) string {
	address = strings.ToLower(strings.Trim(strings.TrimSpace(address), "<>\""))
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return ""
	}
	return strings.Trim(address[at+1:], ".> ")
}
