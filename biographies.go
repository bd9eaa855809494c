package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const DefaultEchoNestBase = "http://developer.echonest.com/api/v4"

var errNoBiographyKey = errors.New("no EchoNest api key configured")

// Biography is one artist biography, ranked by the site it came from.
type Biography struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Site      string `json:"site"`
	URL       string `json:"url,omitempty"`
	Text      string `json:"text"`
	Relevance int    `json:"relevance"`
}

var siteRelevance = map[string]int{
	"wikipedia": 100,
	"lastfm":    60,
	"amazon":    30,
}

// BiographySink receives fetched biographies on the event loop.
type BiographySink interface {
	BiographyReady(id int, bio Biography)
	BiographiesFinished(id int)
}

type echoNestBiographies struct {
	Response struct {
		Biographies []struct {
			Text string `json:"text"`
			Site string `json:"site"`
			URL  string `json:"url"`
		} `json:"biographies"`
	} `json:"response"`
}

// BiographyFetcher looks up artist biographies. Requests are keyed by the
// caller's id; listeners run on the event loop.
type BiographyFetcher struct {
	log    *zap.Logger
	loop   Poster
	client *Client
	base   string
	apiKey string

	ctx    context.Context
	cancel context.CancelFunc

	pending    map[int]struct{}
	onInfo     []func(id int, bio Biography)
	onFinished []func(id int)
}

func NewBiographyFetcher(log *zap.Logger, loop Poster, client *Client, base, apiKey string) *BiographyFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if base == "" {
		base = DefaultEchoNestBase
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BiographyFetcher{
		log:     log.Named("biographies"),
		loop:    loop,
		client:  client,
		base:    strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]struct{}),
	}
}

func (f *BiographyFetcher) Close() { f.cancel() }

func (f *BiographyFetcher) OnInfoReady(fn func(id int, bio Biography)) {
	f.onInfo = append(f.onInfo, fn)
}

func (f *BiographyFetcher) OnFinished(fn func(id int)) {
	f.onFinished = append(f.onFinished, fn)
}

// FetchInfo requests the biographies of artist under id. Finished is always
// emitted for id, even when the lookup fails.
func (f *BiographyFetcher) FetchInfo(id int, artist string) {
	f.pending[id] = struct{}{}

	if f.apiKey == "" {
		f.log.Warn("cannot fetch biographies", zap.Error(errNoBiographyKey))
		f.loop.Post(func() { f.requestFinished(id, nil, errNoBiographyKey) })
		return
	}

	u, err := buildURL(f.base, "artist/biographies", url.Values{
		"api_key": {f.apiKey},
		"name":    {artist},
		"format":  {"json"},
	})
	if err != nil {
		f.loop.Post(func() { f.requestFinished(id, nil, err) })
		return
	}

	go func() {
		body, err := f.client.Get(f.ctx, u)
		f.loop.Post(func() { f.requestFinished(id, body, err) })
	}()
}

func (f *BiographyFetcher) requestFinished(id int, body []byte, err error) {
	if _, ok := f.pending[id]; !ok {
		f.log.Debug("no pending biography request", zap.Int("id", id))
		return
	}
	delete(f.pending, id)

	if err != nil {
		f.log.Error("biography request failed", zap.Int("id", id), zap.Error(err))
	} else {
		bios, err := ParseBiographies(body)
		if err != nil {
			f.log.Error("error while parsing biographies", zap.Int("id", id), zap.Error(err))
		}
		for _, bio := range bios {
			bio.ID = id
			for _, fn := range f.onInfo {
				fn(id, bio)
			}
		}
	}

	for _, fn := range f.onFinished {
		fn(id)
	}
}

// Pending is the number of unanswered requests.
func (f *BiographyFetcher) Pending() int {
	return len(f.pending)
}

// ParseBiographies decodes an EchoNest response, keeping the first biography
// of each site.
func ParseBiographies(body []byte) ([]Biography, error) {
	var resp echoNestBiographies
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var bios []Biography
	for _, b := range resp.Response.Biographies {
		site := canonicalSite(b.Site)
		if _, dup := seen[site]; dup {
			continue
		}
		seen[site] = struct{}{}

		bios = append(bios, Biography{
			Title:     "Biography from " + b.Site,
			Site:      site,
			URL:       b.URL,
			Text:      b.Text,
			Relevance: siteRelevance[site],
		})
	}
	return bios, nil
}

func canonicalSite(site string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(site) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
