package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
)

type BleveStore struct {
	index bleve.Index
}

// bleveSong is the indexed document. Field names follow the json tags.
type bleveSong struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	TrackNumber *int   `json:"tracknumber,omitempty"`
	Length      uint64 `json:"length"`
	URL         string `json:"url"`
}

// songMapping stores the server id without indexing it, so free-text queries
// never match on it.
func songMapping() mapping.IndexMapping {
	idField := bleve.NewTextFieldMapping()
	idField.Index = false
	idField.IncludeInAll = false
	m := bleve.NewIndexMapping()
	m.DefaultMapping.AddFieldMappingsAt("id", idField)
	return m
}

// Initialize opens or creates the index. Bleve indexes are directories, so a
// .sqlite path is swapped for a .bleve sibling. An empty path opens an
// in-memory index.
func (b *BleveStore) Initialize(path string) error {
	if path == "" {
		index, err := bleve.NewMemOnly(songMapping())
		if err != nil {
			return err
		}
		b.index = index
		return nil
	}
	if filepath.Ext(path) == ".sqlite" {
		path = strings.TrimSuffix(path, ".sqlite") + ".bleve"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		index, err := bleve.New(path, songMapping())
		if err != nil {
			return err
		}
		b.index = index
	} else {
		index, err := bleve.Open(path)
		if err != nil {
			return err
		}
		b.index = index
	}
	return nil
}

func (b *BleveStore) Close() error {
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// blevePageSize bounds the hits fetched per search request.
var blevePageSize = 1000

func (b *BleveStore) DeleteAll() error {
	if b.index == nil {
		return ErrNotInitialized
	}
	ids, err := b.docIDs()
	if err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

func (b *BleveStore) AddOrUpdateSongs(songs []Song) error {
	if b.index == nil {
		return ErrNotInitialized
	}
	batch := b.index.NewBatch()
	if err := indexSongs(batch, songs); err != nil {
		return err
	}
	return b.index.Batch(batch)
}

// ReplaceAll deletes the old documents and indexes songs in a single batch.
func (b *BleveStore) ReplaceAll(songs []Song) error {
	if b.index == nil {
		return ErrNotInitialized
	}
	ids, err := b.docIDs()
	if err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	// A later Index of the same id overrides the Delete within a batch.
	if err := indexSongs(batch, songs); err != nil {
		return err
	}
	return b.index.Batch(batch)
}

func indexSongs(batch *bleve.Batch, songs []Song) error {
	for _, s := range songs {
		doc := bleveSong{
			ID:          s.ID,
			Title:       s.Title,
			Artist:      s.Artist,
			Album:       s.Album,
			TrackNumber: s.Track,
			Length:      s.LengthNanosec,
			URL:         s.URL,
		}
		if err := batch.Index(songKey(s), doc); err != nil {
			return err
		}
	}
	return nil
}

// docIDs lists every document id in the index.
func (b *BleveStore) docIDs() ([]string, error) {
	var ids []string
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), blevePageSize, len(ids), false)
		req.SortBy([]string{"_id"})
		res, err := b.index.Search(req)
		if err != nil {
			return nil, err
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) == 0 || uint64(len(ids)) >= res.Total {
			return ids, nil
		}
	}
}

func (b *BleveStore) Count() (int, error) {
	if b.index == nil {
		return 0, ErrNotInitialized
	}
	c, err := b.index.DocCount()
	return int(c), err
}

// Search accepts the clause syntax, and falls back to Bleve query-string
// syntax (e.g. "title:love~2") for input without clause markers.
func (b *BleveStore) Search(input string) ([]Song, error) {
	if b.index == nil {
		return nil, ErrNotInitialized
	}
	if strings.TrimSpace(input) == "" {
		return b.runQuery(bleve.NewMatchAllQuery())
	}
	if strings.ContainsAny(input, "@#$") || strings.Contains(input, ",") {
		return b.searchClauses(parseClauses(input))
	}
	return b.runQuery(bleve.NewQueryStringQuery(input))
}

func (b *BleveStore) searchClauses(c searchClauses) ([]Song, error) {
	if c.empty() {
		return b.runQuery(bleve.NewMatchAllQuery())
	}
	mainBoolQuery := bleve.NewBooleanQuery()

	addOrGroup := func(terms []string, fields ...string) {
		if len(terms) == 0 {
			return
		}
		subQuery := bleve.NewBooleanQuery()
		for _, t := range terms {
			for _, field := range fields {
				mq := bleve.NewMatchQuery(t)
				mq.SetField(field)
				subQuery.AddShould(mq)
			}
		}
		mainBoolQuery.AddMust(subQuery)
	}

	addOrGroup(c.artist, "artist")
	addOrGroup(c.album, "album")
	addOrGroup(c.title, "title")
	addOrGroup(c.any, "artist", "album", "title")

	return b.runQuery(mainBoolQuery)
}

func (b *BleveStore) runQuery(q bleveQuery.Query) ([]Song, error) {
	var results []Song
	for {
		req := bleve.NewSearchRequestOptions(q, blevePageSize, len(results), false)
		req.Fields = []string{"*"}
		req.SortBy([]string{"artist", "album", "tracknumber", "title", "_id"})

		res, err := b.index.Search(req)
		if err != nil {
			return nil, err
		}
		for _, hit := range res.Hits {
			results = append(results, songFromHit(hit))
		}
		if len(res.Hits) == 0 || uint64(len(results)) >= res.Total {
			return results, nil
		}
	}
}

func songFromHit(hit *search.DocumentMatch) Song {
	getStr := func(f string) string {
		if v, ok := hit.Fields[f].(string); ok {
			return v
		}
		return ""
	}

	s := Song{
		ID:     getStr("id"),
		Title:  getStr("title"),
		Artist: getStr("artist"),
		Album:  getStr("album"),
		URL:    getStr("url"),
		Valid:  true,
	}
	if v, ok := hit.Fields["tracknumber"].(float64); ok {
		n := int(v)
		s.Track = &n
	}
	if v, ok := hit.Fields["length"].(float64); ok {
		s.LengthNanosec = uint64(v)
	}
	return s
}
