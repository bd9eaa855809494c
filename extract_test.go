package main

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testBase = "http://musicd.test:6800"

func extract(t *testing.T, body string) []Song {
	t.Helper()
	log := zap.NewNop()
	return ExtractSongs(log, testBase, ExtractResult(log, []byte(body)))
}

func TestExtractSongs_RoundTrip(t *testing.T) {
	var tracks []map[string]any
	for i := 1; i <= 5; i++ {
		tracks = append(tracks, map[string]any{
			"id":       fmt.Sprintf("%d", i*10),
			"artist":   fmt.Sprintf("Artist %d", i),
			"title":    fmt.Sprintf("Title %d", i),
			"album":    fmt.Sprintf("Album %d", i),
			"duration": 60 * i,
			"track":    i,
		})
	}
	body, err := json.Marshal(map[string]any{"tracks": tracks})
	require.NoError(t, err)

	songs := extract(t, string(body))
	require.Len(t, songs, 5)
	for i, s := range songs {
		n := i + 1
		assert.True(t, s.Valid)
		assert.Equal(t, fmt.Sprintf("%d", n*10), s.ID)
		assert.Equal(t, fmt.Sprintf("Artist %d", n), s.Artist)
		assert.Equal(t, fmt.Sprintf("Title %d", n), s.Title)
		assert.Equal(t, fmt.Sprintf("Album %d", n), s.Album)
		assert.Equal(t, uint64(60*n)*1_000_000_000, s.LengthNanosec)
		assert.Equal(t, n, s.TrackNumber())
		assert.Equal(t, fmt.Sprintf("%s/open?id=%d", testBase, n*10), s.URL)
	}
}

func TestExtractSong_Duration(t *testing.T) {
	songs := extract(t, `{"tracks":[{"id":"1","duration":180}]}`)
	require.Len(t, songs, 1)
	assert.Equal(t, uint64(180_000_000_000), songs[0].LengthNanosec)
	assert.Equal(t, "3m0s", songs[0].Length().String())
}

func TestExtractSongs_DropsEmptyObjects(t *testing.T) {
	songs := extract(t, `{"tracks":[{"id":"1","title":"a"},{},"junk",7,{"id":"2","title":"b"}]}`)
	require.Len(t, songs, 2)
	assert.Equal(t, "1", songs[0].ID)
	assert.Equal(t, "2", songs[1].ID)
}

func TestExtractSong_MissingFields(t *testing.T) {
	songs := extract(t, `{"tracks":[{"title":"Only a title"}]}`)
	require.Len(t, songs, 1)
	s := songs[0]
	assert.Equal(t, "Only a title", s.Title)
	assert.Empty(t, s.Artist)
	assert.Empty(t, s.Album)
	assert.Zero(t, s.LengthNanosec)
	assert.Nil(t, s.Track)
	assert.Equal(t, testBase+"/open?id=", s.URL)
}

func TestExtractSong_Variants(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		id     string
		length uint64
		track  *int
	}{
		{"numeric id", `{"id":17}`, "17", 0, nil},
		{"string duration", `{"id":"a","duration":"42"}`, "a", 42_000_000_000, nil},
		{"fractional duration", `{"id":"b","duration":1.9}`, "b", 1_000_000_000, nil},
		{"negative duration", `{"id":"c","duration":-5}`, "c", 0, nil},
		{"string track", `{"id":"d","track":"3"}`, "d", 0, intPtr(3)},
		{"bad track", `{"id":"e","track":"x"}`, "e", 0, nil},
	}

	for _, test := range tests {
		songs := extract(t, `{"tracks":[`+test.body+`]}`)
		require.Len(t, songs, 1, test.name)
		assert.Equal(t, test.id, songs[0].ID, test.name)
		assert.Equal(t, test.length, songs[0].LengthNanosec, test.name)
		assert.Equal(t, test.track, songs[0].Track, test.name)
	}
}

func TestExtractResult_Malformed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log := zap.New(core)

	result := ExtractResult(log, []byte(`{"tracks":[{"id":`))
	assert.Nil(t, result)
	assert.Empty(t, ExtractSongs(log, testBase, result))
	assert.Equal(t, 1, logs.FilterMessage("error while parsing Musicd result").Len())
}

func TestExtractSongs_NoTracks(t *testing.T) {
	assert.Empty(t, extract(t, `{"albums":[]}`))
	assert.Empty(t, extract(t, `{"tracks":{}}`))
}

func intPtr(n int) *int { return &n }
