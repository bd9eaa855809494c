package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/fhs/gompd/v2/mpd"
	"go.uber.org/zap"
)

var (
	ErrNoSongs         = errors.New("no results found")
	ErrPlaylistCommand = errors.New("not a valid playlist command")
)

// PlaylistOrder applies a playlist command to results:
//
//	a or ""  all songs in order
//	r        a single random song
//	s        all songs shuffled
//	N        songs from the Nth on
func PlaylistOrder(cmd string, results []Song, rng *rand.Rand) ([]Song, error) {
	if len(results) == 0 {
		return nil, ErrNoSongs
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if i, err := strconv.Atoi(cmd); err == nil {
		if i < 1 || i > len(results) {
			return nil, fmt.Errorf("%w: enter value from 1 to %d", ErrPlaylistCommand, len(results))
		}
		return results[i-1:], nil
	}

	switch cmd {
	case "a", "":
		return results, nil
	case "r":
		return []Song{results[rng.IntN(len(results))]}, nil
	case "s":
		shuffled := make([]Song, len(results))
		copy(shuffled, results)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPlaylistCommand, cmd)
}

// SplitPlaylistCommand separates "query; cmd". The command defaults to "a".
func SplitPlaylistCommand(input string) (query, cmd string) {
	query, cmd, found := strings.Cut(input, ";")
	if !found {
		return input, "a"
	}
	return strings.TrimSpace(query), strings.TrimSpace(cmd)
}

// MPDPlayer queues stream URLs on an MPD server.
type MPDPlayer struct {
	log      *zap.Logger
	address  string
	password string
}

func NewMPDPlayer(log *zap.Logger, address, password string) *MPDPlayer {
	if log == nil {
		log = zap.NewNop()
	}
	if address == "" {
		address = DefaultMPDAddress
	}
	return &MPDPlayer{log: log.Named("mpd"), address: address, password: password}
}

func (p *MPDPlayer) dial() (*mpd.Client, error) {
	network := "tcp"
	if strings.HasPrefix(p.address, "/") || strings.HasPrefix(p.address, "@") {
		network = "unix"
	}
	var (
		c   *mpd.Client
		err error
	)
	if p.password != "" {
		c, err = mpd.DialAuthenticated(network, p.address, p.password)
	} else {
		c, err = mpd.Dial(network, p.address)
	}
	if err != nil {
		return nil, fmt.Errorf("mpd dial %s: %w", p.address, err)
	}
	return c, nil
}

// Enqueue appends songs to the MPD queue and starts playback at the first
// one. It returns how many songs were queued.
func (p *MPDPlayer) Enqueue(songs []Song) (int, error) {
	if len(songs) == 0 {
		return 0, ErrNoSongs
	}
	c, err := p.dial()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return 0, fmt.Errorf("mpd status: %w", err)
	}
	start, _ := strconv.Atoi(status["playlistlength"])

	queued := 0
	for _, song := range songs {
		if song.URL == "" {
			continue
		}
		if err := c.Add(song.URL); err != nil {
			p.log.Warn("cannot queue song", zap.String("id", song.ID), zap.String("url", song.URL), zap.Error(err))
			continue
		}
		p.log.Debug("queued", zap.String("artist", song.Artist), zap.String("title", song.Title))
		queued++
	}
	if queued == 0 {
		return 0, ErrNoSongs
	}

	if err := c.Play(start); err != nil {
		return queued, fmt.Errorf("mpd play: %w", err)
	}
	return queued, nil
}
