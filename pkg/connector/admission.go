// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// DefaultStaleAfter is the age beyond which an inbound event is discarded.
// Reconnects make the platform redeliver backlog that nobody wants answered.
const DefaultStaleAfter = 30 * time.Minute

// Decision is the outcome of admitting an inbound event.
type Decision int

const (
	Accept Decision = iota
	DropDuplicate
	DropExpired
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case DropDuplicate:
		return "duplicate"
	case DropExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsExpired reports whether an event created at createdAtMs (milliseconds
// since epoch, string encoded) is older than staleAfter. Missing or
// unparsable timestamps are never expired.
func IsExpired(createdAtMs string, now time.Time, staleAfter time.Duration) bool {
	created, ok := parseMillis(createdAtMs)
	if !ok {
		return false
	}
	return now.Sub(created) > staleAfter
}

// parseMillis parses a string-encoded millisecond epoch timestamp.
func parseMillis(ms string) (time.Time, bool) {
	ms = strings.TrimSpace(ms)
	if ms == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// AdmissionFilter decides whether an inbound event is processed.
type AdmissionFilter struct {
	dedupe     *Deduper
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewAdmissionFilter creates a filter backed by dedupe.
func NewAdmissionFilter(dedupe *Deduper, staleAfter time.Duration, log zerolog.Logger) *AdmissionFilter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &AdmissionFilter{
		dedupe:     dedupe,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log.With().Str("component", "admission").Logger(),
	}
}

// Admit runs the dedupe check, then the staleness check. Duplicates are
// dropped silently; expired events are logged.
func (f *AdmissionFilter) Admit(evt *InboundEvent) Decision {
	if f.dedupe.IsDuplicate(dedupeKey(evt)) {
		return DropDuplicate
	}
	if IsExpired(evt.CreateTime, f.now(), f.staleAfter) {
		f.log.Info().
			Str("account_id", evt.AccountID).
			Str("message_id", evt.MessageID).
			Str("chat_id", evt.ChatID).
			Str("create_time", evt.CreateTime).
			Str("content", truncate(evt.Content, 200)).
			Msg("Dropping expired message")
		return DropExpired
	}
	return Accept
}

// dedupeKey scopes the message id to the receiving account. Several bots in
// one group each get the same message id.
func dedupeKey(evt *InboundEvent) string {
	return evt.AccountID + ":" + evt.MessageID
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
