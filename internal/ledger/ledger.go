// Package ledger keeps the current principal's history of saved records,
// ordered most recent first and unique by record id.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// HistoryRecord is one durable content record visible in the history list.
type HistoryRecord struct {
	ID          int64
	Topic       string
	GeneratedAt time.Time
	SEOScore    *float64
}

func (r HistoryRecord) clone() HistoryRecord {
	if r.SEOScore != nil {
		v := *r.SEOScore
		r.SEOScore = &v
	}
	return r
}

// Group collects the records that share a topic. Records are most recent
// first, so Latest is always Records[0].
type Group struct {
	Topic   string
	Latest  HistoryRecord
	Records []HistoryRecord
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	records []HistoryRecord
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Replace swaps the whole ledger for recs, as after a history refresh.
// Duplicate ids keep the most recently generated entry.
func (l *Ledger) Replace(recs []HistoryRecord) {
	byID := make(map[int64]HistoryRecord, len(recs))
	for _, r := range recs {
		if prev, ok := byID[r.ID]; ok && prev.GeneratedAt.After(r.GeneratedAt) {
			continue
		}
		byID[r.ID] = r.clone()
	}
	out := make([]HistoryRecord, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sortRecords(out)

	l.mu.Lock()
	l.records = out
	l.mu.Unlock()
}

// Insert adds a newly created record. If the id is already present the
// existing entry is refreshed instead, so a repeated create never produces
// a duplicate.
func (l *Ledger) Insert(rec HistoryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID == rec.ID {
			l.records[i] = rec.clone()
			sortRecords(l.records)
			return
		}
	}
	l.records = append([]HistoryRecord{rec.clone()}, l.records...)
	sortRecords(l.records)
}

// Refresh updates the entry for id in place with a new timestamp, topic and
// (when non-nil) score. It reports whether the id was found; unknown ids
// are not inserted.
func (l *Ledger) Refresh(id int64, topic string, generatedAt time.Time, score *float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID != id {
			continue
		}
		l.records[i].GeneratedAt = generatedAt
		l.records[i].Topic = topic
		if score != nil {
			v := *score
			l.records[i].SEOScore = &v
		}
		sortRecords(l.records)
		return true
	}
	return false
}

// Clear empties the ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}

// Get returns the record with the given id.
func (l *Ledger) Get(id int64) (HistoryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return HistoryRecord{}, false
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a copy of the ledger, most recent first.
func (l *Ledger) Records() []HistoryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]HistoryRecord, len(l.records))
	for i, r := range l.records {
		out[i] = r.clone()
	}
	return out
}

// Groups buckets the ledger by topic. Each group keeps its records most
// recent first and groups are ordered by their latest record.
func (l *Ledger) Groups() []Group {
	recs := l.Records()
	index := make(map[string]int)
	var groups []Group
	for _, r := range recs {
		i, ok := index[r.Topic]
		if !ok {
			index[r.Topic] = len(groups)
			groups = append(groups, Group{Topic: r.Topic, Latest: r})
			i = len(groups) - 1
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	// recs is already sorted, so groups come out ordered by Latest; the
	// stable sort only guards equal timestamps.
	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a].Latest.GeneratedAt.After(groups[b].Latest.GeneratedAt)
	})
	return groups
}

// sortRecords orders by GeneratedAt descending, breaking ties by id
// descending so the order is deterministic.
func sortRecords(recs []HistoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].GeneratedAt.Equal(recs[j].GeneratedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].GeneratedAt.After(recs[j].GeneratedAt)
	})
}
