package main

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExtractResult parses a response body. A malformed body is logged and
// yields nil, which extracts as zero songs.
func ExtractResult(log *zap.Logger, body []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var result map[string]any
	if err := dec.Decode(&result); err != nil {
		log.Error("error while parsing Musicd result", zap.Error(err), zap.Int("bytes", len(body)))
		return nil
	}
	return result
}

// ExtractSongs converts the "tracks" list of a parsed response. Elements that
// are not non-empty objects are dropped.
func ExtractSongs(log *zap.Logger, base string, result map[string]any) []Song {
	list, _ := result["tracks"].([]any)
	log.Debug("extracting songs", zap.Int("size", len(list)))

	var songs []Song
	for _, item := range list {
		m, _ := item.(map[string]any)
		song := ExtractSong(base, m)
		if song.Valid {
			songs = append(songs, song)
		}
	}
	return songs
}

// ExtractSong converts one track object. Absent fields stay zero.
func ExtractSong(base string, m map[string]any) Song {
	var song Song
	if len(m) == 0 {
		return song
	}

	song.ID = variantString(m["id"])
	song.URL = StreamURL(base, song.ID)
	song.Artist = variantString(m["artist"])
	song.Title = variantString(m["title"])
	song.Album = variantString(m["album"])

	// The server reports whole seconds.
	if secs := variantUint64(m["duration"]); secs <= math.MaxUint64/uint64(time.Second) {
		song.LengthNanosec = secs * uint64(time.Second)
	}

	if n, ok := variantInt(m["track"]); ok {
		song.Track = &n
	}

	song.Valid = true
	return song
}

func variantString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func variantFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func variantUint64(v any) uint64 {
	if n, ok := v.(json.Number); ok {
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u
		}
	}
	f, ok := variantFloat(v)
	if !ok || f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxUint64 {
		return 0
	}
	return uint64(f)
}

func variantInt(v any) (int, bool) {
	f, ok := variantFloat(v)
	if !ok || math.IsNaN(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}
