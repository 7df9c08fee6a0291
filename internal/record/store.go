package record

import "sync"

// Store is an append-only arena of records and failures for one run.
// Appends are safe for concurrent use; Snapshot and Failures are meant to be
// called only after the fetch phase has signalled completion.
type Store struct {
	mu       sync.Mutex
	records  []MessageRecord
	failures []FetchFailure
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) AddRecord(r MessageRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *Store) AddFailure(f FetchFailure) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
}

// Len reports the number of appended records, duplicates included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns the records in append order. When an id was appended more
// than once only its first record is kept; dropped counts the others.
func (s *Store) Snapshot() (records []MessageRecord, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.records))
	records = make([]MessageRecord, 0, len(s.records))
	for _, r := range s.records {
		if _, ok := seen[string(r.ID)]; ok {
			dropped++
			continue
		}
		seen[string(r.ID)] = struct{}{}
		records = append(records, r)
	}
	return records, dropped
}

// Failures returns a copy of the recorded failures in append order.
func (s *Store) Failures() []FetchFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchFailure(nil), s.failures...)
}
