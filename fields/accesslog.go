package fields

import (
	"sync"

	"github.com/emberplan/fieldvault/models"
	"github.com/oklog/ulid/v2"
)

// DefaultAccessLogCapacity entries retained in the access log unless configured
const DefaultAccessLogCapacity = 1000

// accessLog bounded in-memory FIFO of field access entries.
//
// Once capacity is reached, recording a new entry evicts the oldest one.
type accessLog struct {
	lock     sync.Mutex
	capacity int
	entries  []models.FieldAccessEntry
}

// newAccessLog define new access log with the given capacity
func newAccessLog(capacity int) *accessLog {
	if capacity <= 0 {
		capacity = DefaultAccessLogCapacity
	}
	return &accessLog{capacity: capacity, entries: make([]models.FieldAccessEntry, 0, capacity)}
}

// record append one entry, evicting the oldest when at capacity
func (l *accessLog) record(entry models.FieldAccessEntry) {
	l.lock.Lock()
	defer l.lock.Unlock()

	entry.ID = ulid.Make().String()
	if len(l.entries) == l.capacity {
		l.entries = append(l.entries[1:], entry)
		return
	}
	l.entries = append(l.entries, entry)
}

// snapshot copy out the retained entries, oldest first
func (l *accessLog) snapshot() []models.FieldAccessEntry {
	l.lock.Lock()
	defer l.lock.Unlock()

	result := make([]models.FieldAccessEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

// clear drop all retained entries
func (l *accessLog) clear() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.entries = l.entries[:0]
}
