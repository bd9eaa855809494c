package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// app wires the components for one run of the command line.
type app struct {
	log      *zap.Logger
	settings *Settings

	loop     *EventLoop
	tasks    *TaskManager
	client   *Client
	library  LibraryBackend
	artCache *ArtCache
	service  *Service
	covers   *AlbumCoverLoader
	bios     *BiographyFetcher
	provider *SearchProvider
	player   *MPDPlayer

	// sink and bioSink also receive every event; nil for one-shot commands.
	sink       EventSink
	bioSink    BiographySink
	searchIDs  Sequence
	waiters    map[int]*searchWaiter
	bioWaiters map[int]*bioWaiter
}

type searchWaiter struct {
	songs []Song
	done  chan struct{}
}

type bioWaiter struct {
	bios []Biography
	done chan struct{}
}

type appOptions struct {
	withArt bool
}

func newApp(log *zap.Logger, settings *Settings, opts appOptions) (*app, error) {
	a := &app{
		log:        log,
		settings:   settings,
		loop:       NewEventLoop(),
		tasks:      NewTaskManager(),
		waiters:    make(map[int]*searchWaiter),
		bioWaiters: make(map[int]*bioWaiter),
	}
	a.tasks.SetUpdateCallback(func(t Task) {
		log.Debug("task updated", zap.Int("task", t.ID), zap.String("name", t.Name), zap.Stringer("status", t.Status))
	})

	library, err := NewLibraryBackend(settings.Library.BackendName())
	if err != nil {
		return nil, err
	}
	dbPath := settings.Library.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	if err := library.Initialize(dbPath); err != nil {
		return nil, fmt.Errorf("open library %s: %w", dbPath, err)
	}
	a.library = library

	if opts.withArt && !settings.Art.Disabled {
		cache, err := OpenArtCache(settings.Art.CacheDirectory(), settings.Art.CacheTTL())
		if err != nil {
			// Art is cosmetic; run uncached rather than fail.
			log.Warn("art cache unavailable", zap.Error(err))
		} else {
			a.artCache = cache
		}
	}

	a.client = NewClient(log, settings.Musicd.ServerAddress(), settings.InstallationID, settings.Musicd.HTTPTimeout())
	a.service = NewService(log, a.loop, a.client, a.library, a.tasks)
	a.service.ReloadSettings(settings)
	a.covers = NewAlbumCoverLoader(log, a.loop, a.client, a.artCache)
	a.bios = NewBiographyFetcher(log, a.loop, a.client, settings.EchoNest.BaseURL(), settings.EchoNest.APIKey)
	a.player = NewMPDPlayer(log, settings.MPD.ServerAddress(), settings.MPD.Password)

	a.provider = NewSearchProvider(log, a.service, a.covers, a)
	a.provider.SetPendingTTL(settings.Search.PendingLifetime())
	a.bios.OnInfoReady(a.biographyReady)
	a.bios.OnFinished(a.biographiesFinished)
	return a, nil
}

func (a *app) ResultsAvailable(id int, results []Result) {
	if w, ok := a.waiters[id]; ok {
		for _, r := range results {
			w.songs = append(w.songs, r.Metadata)
		}
	}
	if a.sink != nil {
		a.sink.ResultsAvailable(id, results)
	}
}

func (a *app) SearchFinished(id int) {
	if w, ok := a.waiters[id]; ok {
		delete(a.waiters, id)
		close(w.done)
	}
	if a.sink != nil {
		a.sink.SearchFinished(id)
	}
}

func (a *app) ArtLoaded(id int, img image.Image) {
	if a.sink != nil {
		a.sink.ArtLoaded(id, img)
	}
}

func (a *app) biographyReady(id int, bio Biography) {
	if w, ok := a.bioWaiters[id]; ok {
		w.bios = append(w.bios, bio)
	}
	if a.bioSink != nil {
		a.bioSink.BiographyReady(id, bio)
	}
}

func (a *app) biographiesFinished(id int) {
	if w, ok := a.bioWaiters[id]; ok {
		delete(a.bioWaiters, id)
		close(w.done)
	}
	if a.bioSink != nil {
		a.bioSink.BiographiesFinished(id)
	}
}

// start runs the event loop until the returned stop is called.
func (a *app) start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("event loop stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) close() {
	a.service.Close()
	a.covers.Close()
	a.bios.Close()
	if err := a.library.Close(); err != nil {
		a.log.Warn("close library", zap.Error(err))
	}
	if a.artCache != nil {
		if err := a.artCache.Close(); err != nil {
			a.log.Warn("close art cache", zap.Error(err))
		}
	}
}

// handleCommand runs a UI command on the loop.
func (a *app) handleCommand(cmd Command) {
	switch cmd.Type {
	case "search":
		a.provider.SearchAsync(cmd.ID, cmd.Query)
	case "art":
		if cmd.Song == nil {
			a.log.Warn("art command without song", zap.Int("id", cmd.ID))
			return
		}
		a.provider.LoadArtAsync(cmd.ID, Result{ProviderID: ProviderID, Metadata: *cmd.Song})
	case "bio":
		a.bios.FetchInfo(cmd.ID, cmd.Query)
	case "refresh":
		a.service.ReloadDatabase()
	default:
		a.log.Warn("unknown command", zap.String("type", cmd.Type))
	}
}

// searchRemote runs one provider search and waits for it to finish. The loop
// must be running.
func (a *app) searchRemote(ctx context.Context, query string) ([]Song, error) {
	w := &searchWaiter{done: make(chan struct{})}
	err := a.loop.Call(ctx, func() {
		id := a.searchIDs.Next()
		a.waiters[id] = w
		a.provider.SearchAsync(id, query)
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sortSongs(w.songs)
	return w.songs, nil
}

// refresh reloads the catalog and waits for it. The loop must be running.
func (a *app) refresh(ctx context.Context) (int, error) {
	finished := make(chan int, 1)
	a.tasks.SetUpdateCallback(func(t Task) {
		if t.Status.IsFinished() {
			select {
			case finished <- t.ID:
			default:
			}
		}
	})

	var (
		taskID    int
		refreshed bool
	)
	err := a.loop.Call(ctx, func() {
		a.service.OnTotalSongCount(func(int) { refreshed = true })
		taskID = a.service.ReloadDatabase()
	})
	if err != nil {
		return 0, err
	}

	for done := false; !done; {
		select {
		case id := <-finished:
			done = id == taskID
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	// Queued behind the task's completion, so the count is current.
	var count int
	if err := a.loop.Call(ctx, func() { count = a.service.TotalSongCount() }); err != nil {
		return 0, err
	}
	if !refreshed {
		return 0, errRefreshFailed
	}
	return count, nil
}

var errRefreshFailed = errors.New("database refresh failed, see log")

// biographies fetches the biographies of artist, best first. The loop must
// be running.
func (a *app) biographies(ctx context.Context, artist string) ([]Biography, error) {
	w := &bioWaiter{done: make(chan struct{})}
	err := a.loop.Call(ctx, func() {
		id := a.searchIDs.Next()
		a.bioWaiters[id] = w
		a.bios.FetchInfo(id, artist)
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	sort.SliceStable(w.bios, func(i, j int) bool { return w.bios[i].Relevance > w.bios[j].Relevance })
	return w.bios, nil
}

// sortSongs orders songs the way the library backends return them.
func sortSongs(songs []Song) {
	sort.SliceStable(songs, func(i, j int) bool {
		a, b := songs[i], songs[j]
		if a.Artist != b.Artist {
			return a.Artist < b.Artist
		}
		if a.Album != b.Album {
			return a.Album < b.Album
		}
		if a.TrackNumber() != b.TrackNumber() {
			return a.TrackNumber() < b.TrackNumber()
		}
		return a.Title < b.Title
	})
}
