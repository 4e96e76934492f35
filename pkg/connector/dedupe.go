// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"sync"
	"time"
)

const (
	// DefaultDedupeTTL is how long an event id is remembered.
	DefaultDedupeTTL = 60 * time.Second
	// DefaultDedupeSweepThreshold is the map size above which IsDuplicate
	// sweeps expired entries before returning.
	DefaultDedupeSweepThreshold = 100
)

// Deduper remembers recently seen event ids. Entries live for at least ttl;
// they are removed opportunistically once the map grows past the sweep
// threshold, or by an explicit Sweep.
type Deduper struct {
	ttl       time.Duration
	threshold int
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper creates a Deduper. Non-positive arguments select the defaults.
func NewDeduper(ttl time.Duration, threshold int) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if threshold <= 0 {
		threshold = DefaultDedupeSweepThreshold
	}
	return &Deduper{
		ttl:       ttl,
		threshold: threshold,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
}

// IsDuplicate reports whether eventID has been seen. The first call for an id
// records it and returns false; later calls return true while the record
// lives. Check and insert happen under one lock.
func (d *Deduper) IsDuplicate(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[eventID]; ok {
		return true
	}
	now := d.now()
	d.seen[eventID] = now
	if len(d.seen) > d.threshold {
		d.sweepLocked(now)
	}
	return false
}

// Sweep drops expired records and returns how many were removed.
func (d *Deduper) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked(d.now())
}

func (d *Deduper) sweepLocked(now time.Time) int {
	removed := 0
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) > d.ttl {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live records.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
