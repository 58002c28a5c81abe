package storage

import (
	"sort"
	"time"
)

// Persists the most recently loaded static stop name table, so that a
// restarted process can serve stop names before the (slow) static
// download completes.
type StopNameStore interface {
	// Retrieves the most recent snapshot. Returns nil if no
	// snapshot has been written.
	ReadStopNames() (*StopNameSnapshot, error)

	// Writes a snapshot, replacing any previous one.
	WriteStopNames(snapshot *StopNameSnapshot) error

	Close() error
}

// A static stop name table along with where and when it was loaded.
type StopNameSnapshot struct {
	Source   string
	LoadedAt time.Time
	Names    map[string]string
}

type stopName struct {
	ID   string
	Name string
}

// Snapshot entries sorted by stop ID, for deterministic bulk inserts.
func (s *StopNameSnapshot) sorted() []stopName {
	entries := make([]stopName, 0, len(s.Names))
	for id, name := range s.Names {
		entries = append(entries, stopName{id, name})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}
