package main

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Song is a single track known to the Musicd server.
type Song struct {
	ID            string `json:"id"`
	Artist        string `json:"artist"`
	Title         string `json:"title"`
	Album         string `json:"album"`
	LengthNanosec uint64 `json:"length_nanosec"`
	Track         *int   `json:"track,omitempty"`
	URL           string `json:"url"`
	Valid         bool   `json:"-"`
}

// Length returns the song duration.
func (s Song) Length() time.Duration {
	return time.Duration(s.LengthNanosec)
}

// TrackNumber returns the track number, or 0 when the server did not send one.
func (s Song) TrackNumber() int {
	if s.Track == nil {
		return 0
	}
	return *s.Track
}

var (
	ErrNotInitialized     = errors.New("library backend not initialized")
	ErrBackendUnavailable = errors.New("library backend unavailable in this build")
)

// LibraryBackend is the local cache of the server catalog. Any backend must
// implement it.
type LibraryBackend interface {
	// Initialize prepares the backend (e.g., create tables, open index).
	Initialize(path string) error

	// Close cleans up resources.
	Close() error

	// AddOrUpdateSongs adds or replaces songs keyed by their server id.
	// Songs without an id are always added.
	AddOrUpdateSongs(songs []Song) error

	// ReplaceAll swaps the whole cache for songs in one commit. On error the
	// previous contents are kept.
	ReplaceAll(songs []Song) error

	// DeleteAll removes every song from the cache.
	DeleteAll() error

	// Count returns the total number of cached songs.
	Count() (int, error)

	// Search returns songs matching the clause query. An empty query returns
	// everything.
	Search(query string) ([]Song, error)
}

// songKey is the storage key of a song. The server id when there is one,
// otherwise a fresh key so id-less songs never replace each other.
func songKey(s Song) string {
	if s.ID != "" {
		return s.ID
	}
	return "noid-" + uuid.NewString()
}

// NewLibraryBackend returns the backend registered under name.
func NewLibraryBackend(name string) (LibraryBackend, error) {
	switch strings.ToLower(name) {
	case "", "sqlite":
		return &SQLiteStore{}, nil
	case "bleve", "document":
		return &BleveStore{}, nil
	}
	return nil, errors.New("unknown library backend: " + name)
}

// searchClauses is a parsed clause query. Like-type clauses are ORed,
// unlike-type clauses are ANDed.
type searchClauses struct {
	artist []string
	album  []string
	title  []string
	any    []string
}

func (c searchClauses) empty() bool {
	return len(c.artist)+len(c.album)+len(c.title)+len(c.any) == 0
}

// splitClauses splits a query on commas, dropping empty clauses.
func splitClauses(input string) []string {
	var clauses []string
	for _, word := range strings.Split(input, ",") {
		word = strings.TrimSpace(word)
		if word != "" {
			clauses = append(clauses, word)
		}
	}
	return clauses
}

func parseClauses(input string) searchClauses {
	var c searchClauses
	for _, word := range splitClauses(input) {
		switch {
		case strings.HasPrefix(word, "@"):
			c.artist = append(c.artist, word[1:])
		case strings.HasPrefix(word, "#"):
			c.album = append(c.album, word[1:])
		case strings.HasPrefix(word, "$"):
			c.title = append(c.title, word[1:])
		default:
			c.any = append(c.any, word)
		}
	}
	return c
}
