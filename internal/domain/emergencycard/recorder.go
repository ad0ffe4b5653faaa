package emergencycard

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxAccessedByLen = 128
	MaxNotesLen      = 512
)

// Recorder appends entries to a card's access log.
type Recorder struct {
	cards Repository
	now   func() time.Time
}

func NewRecorder(cards Repository) *Recorder {
	return &Recorder{cards: cards, now: time.Now}
}

// Record fills in defaults, persists entry and, on success, appends it to
// card.AccessLog. AccessIP must come from the transport, not the client.
func (r *Recorder) Record(ctx context.Context, card *EmergencyCard, entry AccessLogEntry) (AccessLogEntry, error) {
	entry = normalizeEntry(entry, r.now)
	if err := r.cards.AppendAccessLog(ctx, card.ID, entry); err != nil {
		return entry, err
	}
	card.AccessLog = append(card.AccessLog, entry)
	return entry, nil
}

func normalizeEntry(e AccessLogEntry, now func() time.Time) AccessLogEntry {
	if e.AccessedAt.IsZero() {
		e.AccessedAt = now().UTC()
	}
	e.AccessedBy = BoundText(e.AccessedBy, MaxAccessedByLen)
	if e.AccessedBy == "" {
		e.AccessedBy = DefaultAccessedBy
	}
	e.Notes = BoundText(e.Notes, MaxNotesLen)
	if e.Notes == "" {
		e.Notes = DefaultNotes
	}
	return e
}

// BoundText trims s and cuts it to at most max runes.
func BoundText(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
