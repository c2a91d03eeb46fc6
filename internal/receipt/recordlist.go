package receipt

import (
	"sort"
	"sync"
)

// RecordList is the in-memory list of a user's receipts kept in step with
// the change feed. Events are applied by id, so replays and deletes of
// unknown ids are no-ops.
type RecordList struct {
	mu      sync.RWMutex
	records map[string]*Receipt
}

// NewRecordList seeds the list from a store read
func NewRecordList(initial []*Receipt) *RecordList {
	l := &RecordList{records: make(map[string]*Receipt, len(initial))}
	for _, r := range initial {
		if r != nil && r.ID != "" {
			l.records[r.ID] = r
		}
	}
	return l
}

// Apply reconciles one event and reports whether the list changed
func (l *RecordList) Apply(evt Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch evt.Kind {
	case EventInserted, EventUpdated:
		if evt.Receipt == nil || evt.Receipt.ID == "" {
			return false
		}
		l.records[evt.Receipt.ID] = evt.Receipt
		return true
	case EventDeleted:
		if _, ok := l.records[evt.ReceiptID]; !ok {
			return false
		}
		delete(l.records, evt.ReceiptID)
		return true
	default:
		return false
	}
}

// Len returns the number of receipts
func (l *RecordList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Receipts returns a snapshot ordered most recent date first
func (l *RecordList) Receipts() []*Receipt {
	l.mu.RLock()
	out := make([]*Receipt, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	l.mu.RUnlock()

	SortByDateDesc(out)
	return out
}

// SortByDateDesc orders receipts newest first, ties broken by newest
// creation then id so the order is stable
func SortByDateDesc(receipts []*Receipt) {
	sort.SliceStable(receipts, func(i, j int) bool {
		a, b := receipts[i], receipts[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
