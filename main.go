package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type cli struct {
	configPath string
	debug      bool
	server     string
	backend    string

	log      *zap.Logger
	settings *Settings
}

type outputOptions struct {
	json     bool
	indent   int
	showURLs bool
	table    bool
}

func truePath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	abs, _ := filepath.Abs(path)
	return abs
}

func (c *cli) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "settings file (default: XDG config dir)")
	fs.BoolVarP(&c.debug, "debug", "d", false, "enable debug mode")
	fs.StringVarP(&c.server, "server", "s", "", "Musicd server address, overrides the settings")
	fs.StringVar(&c.backend, "backend", "", "song cache backend: sqlite or bleve")
}

func (o *outputOptions) bindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.json, "json", false, "output matching results in JSON")
	fs.IntVarP(&o.indent, "indent", "i", 2, "with --json, # of spaces to indent by")
	fs.BoolVar(&o.showURLs, "show-urls", false, "include stream URLs in JSON track output")
	fs.BoolVarP(&o.table, "table", "t", false, "output matching results as a table")
}

func (c *cli) load(*cobra.Command, []string) error {
	log, err := newLogger(c.debug)
	if err != nil {
		return err
	}
	c.log = log

	if c.configPath == "" {
		if c.configPath, err = DefaultSettingsPath(); err != nil {
			return err
		}
	}
	c.configPath = truePath(c.configPath)
	settings, err := LoadSettings(c.configPath)
	if err != nil {
		return err
	}
	if c.server != "" {
		settings.Musicd.ServerAddr = c.server
	}
	if c.backend != "" {
		settings.Library.Backend = c.backend
	}
	c.settings = settings
	c.log.Debug("settings loaded", zap.String("path", c.configPath), zap.String("server_address", settings.Musicd.ServerAddress()))
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "musicd-go",
		Short:             "Search and play a Musicd library",
		Version:           version,
		SilenceUsage:      true,
		Args:              cobra.NoArgs,
		PersistentPreRunE: c.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runInteractive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	c.bindFlags(root.PersistentFlags())

	root.AddCommand(
		c.searchCmd(),
		c.refreshCmd(),
		c.countCmd(),
		c.serveCmd(),
		c.openCmd(),
		c.bioCmd(),
		c.configCmd(),
		syntaxCmd(),
	)
	return root
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		out   outputOptions
		local bool
		play  string
	)
	cmd := &cobra.Command{
		Use:   "search <query>[; command]",
		Short: "Search the library, optionally queueing the results on MPD",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query, playCmd := SplitPlaylistCommand(strings.Join(args, " "))
			if play != "" {
				playCmd = play
			} else if !strings.Contains(strings.Join(args, " "), ";") {
				playCmd = ""
			}

			a, err := newApp(c.log, c.settings, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			var songs []Song
			if local {
				songs, err = a.library.Search(query)
			} else {
				stop := a.start(ctx)
				defer stop()
				songs, err = a.searchRemote(ctx, query)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case out.json:
				fmt.Fprintln(w, jsonizer(songs, out.showURLs, out.indent))
			case out.table:
				printSongTable(w, songs)
			case playCmd == "":
				printSongs(w, songs)
			}
			if playCmd != "" {
				return a.playlist(w, playCmd, songs)
			}
			return nil
		},
	}
	out.bindFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&local, "local", "l", false, "search the local song cache instead of the server")
	cmd.Flags().StringVarP(&play, "play", "p", "", "queue results on MPD: a, r, s or a result #")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Replace the local song cache with the server catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(c.log, c.settings, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			stop := a.start(ctx)
			defer stop()

			started := time.Now()
			count, err := a.refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refresh: cached %s songs in %.2f seconds.\n", commatize(count), time.Since(started).Seconds())
			return nil
		},
	}
}

func (c *cli) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of cached songs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.log, c.settings, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			count, err := a.library.Count()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), commatize(count))
			return nil
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve search events to UIs over websocket and MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = c.settings.Search.ListenAddress()
			}
			return c.runServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from settings)")
	return cmd
}

func (c *cli) runServe(ctx context.Context, listen string) error {
	a, err := newApp(c.log, c.settings, appOptions{withArt: true})
	if err != nil {
		return err
	}
	defer a.close()

	hub := NewHub(c.log, a.loop, a.handleCommand)
	hub.SetOriginPatterns(c.settings.Search.OriginPatterns())
	sinks := MultiSink{hub}
	if broker := c.settings.MQTT.Broker; broker != "" {
		m, err := DialMQTT(c.log, broker, c.settings.MQTT.TopicPrefix(), "musicd-go-"+c.settings.InstallationID)
		if err != nil {
			c.log.Warn("mqtt disabled", zap.Error(err))
		} else {
			defer m.Close()
			sinks = append(sinks, m)
		}
	}
	a.sink = sinks
	a.bioSink = hub

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.tasks.Tasks())
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		var status struct {
			Server  string `json:"server"`
			Songs   int    `json:"songs"`
			Pending int    `json:"pending"`
			Clients int    `json:"clients"`
		}
		err := a.loop.Call(r.Context(), func() {
			status.Server = a.client.ServerAddress()
			status.Songs = a.service.TotalSongCount()
			status.Pending = a.provider.PendingSearches()
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		status.Clients = hub.Clients()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		c.log.Info("listening", zap.String("addr", listen), zap.String("server_address", a.client.ServerAddress()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(DefaultExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.loop.Post(func() { a.provider.ExpirePending() })
			}
		}
	})

	a.loop.Post(a.service.Start)
	return g.Wait()
}

func (c *cli) openCmd() *cobra.Command {
	var noQR bool
	cmd := &cobra.Command{
		Use:   "open <song id>",
		Short: "Print the stream URL of a song",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := StreamURL(c.settings.Musicd.ServerAddress(), args[0])
			if u == "" {
				return fmt.Errorf("invalid server address %q", c.settings.Musicd.ServerAddress())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, u)
			if noQR {
				return nil
			}
			qr, err := qrcode.New(u, qrcode.Medium)
			if err != nil {
				return err
			}
			fmt.Fprint(w, qr.ToSmallString(false))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "do not print a QR code")
	return cmd
}

func (c *cli) bioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bio <artist>",
		Short: "Show artist biographies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(c.log, c.settings, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			stop := a.start(ctx)
			defer stop()

			bios, err := a.biographies(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(bios) == 0 {
				fmt.Fprintln(w, "No biographies found.")
				return nil
			}
			title := color.New(color.Bold, color.FgCyan)
			for _, bio := range bios {
				fmt.Fprintf(w, "\n %s\n%s\n", title.Sprint(bio.Title), strings.Repeat("=", len(bio.Title)+2))
				if bio.URL != "" {
					fmt.Fprintf(w, "  %s\n\n", color.New(color.Faint).Sprint(bio.URL))
				}
				fmt.Fprintln(w, bio.Text)
			}
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file location",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), c.configPath)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List every setting",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.SetHeader([]string{"Setting", "Value"})
				table.SetAutoWrapText(false)
				for _, key := range c.settings.Keys() {
					value, err := c.settings.Get(key)
					if err != nil {
						return err
					}
					table.Append([]string{key, value})
				}
				table.Render()
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <Group.key>",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, err := c.settings.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <Group.key> <value>",
			Short: "Change one setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.settings.Set(args[0], args[1]); err != nil {
					return err
				}
				return c.settings.Save(c.configPath)
			},
		},
	)
	return cmd
}

func syntaxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "syntax",
		Short: "Show the query syntax guide",
		Args:  cobra.NoArgs,
		// The guide needs no settings.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), syntaxGuide)
		},
	}
}

func (c *cli) runInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	a, err := newApp(c.log, c.settings, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	stop := a.start(ctx)
	defer stop()
	a.loop.Post(a.service.Start)

	fmt.Fprintln(out, "For help with query syntax, use musicd-go syntax")
	fmt.Fprintln(out, "Available parameters: @artist name, #album name, $track name")

	scanner := bufio.NewScanner(in)
	for {
		var count int
		if err := a.loop.Call(ctx, func() { count = a.service.TotalSongCount() }); err != nil {
			return nil
		}
		fmt.Fprintf(out, "\n[Musicd | %s songs] > ", commatize(count))
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr, "\nGoodbye.")
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		results, err := a.searchRemote(ctx, input)
		if err != nil {
			return nil
		}
		if len(results) == 0 {
			fmt.Fprintln(out, "No results found.")
			continue
		}
		if len(results) == 1 {
			_ = a.playlist(out, "a", results)
			continue
		}

		printSongs(out, results)

		fmt.Fprint(out, "\nEnter # to play, or one of: (A)ll, (R)andom choice, or (S)huffle all\n\n")
		fmt.Fprint(out, "[Play command] > ")
		if !scanner.Scan() {
			return nil
		}
		_ = a.playlist(out, scanner.Text(), results)
	}
}

// playlist queues results on MPD according to a playlist command.
func (a *app) playlist(w io.Writer, cmd string, results []Song) error {
	songs, err := PlaylistOrder(cmd, results, nil)
	if err != nil {
		fmt.Fprintf(w, "%s, try again.\n", err)
		return err
	}
	n, err := a.player.Enqueue(songs)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return err
	}
	first := songs[0]
	fmt.Fprintf(w, "\n--> Playing \"%s\" off of \"%s\" by \"%s\" (%d queued) -->\n", first.Title, first.Album, first.Artist, n)
	return nil
}

func printSongs(w io.Writer, results []Song) {
	artistColor := color.New(color.Bold)
	albumColor := color.New(color.FgCyan)

	var lastArtist, lastAlbum string
	for i, r := range results {
		iStr := fmt.Sprintf("[ %*d ]", int(math.Log10(float64(len(results))))+1, i+1)

		if i == 0 || lastArtist != r.Artist {
			fmt.Fprintf(w, "\n %s\n%s\n", artistColor.Sprint(r.Artist), strings.Repeat("=", len(r.Artist)+2))
			fmt.Fprintf(w, "\n  %s\n   %s\n", albumColor.Sprint(r.Album), strings.Repeat("-", len(r.Album)))
		} else if lastAlbum != r.Album {
			fmt.Fprintf(w, "\n  %s\n   %s\n", albumColor.Sprint(r.Album), strings.Repeat("-", len(r.Album)))
		}
		fmt.Fprintf(w, "    %s %s\n", iStr, r.Title)
		lastArtist = r.Artist
		lastAlbum = r.Album
	}
}

func printSongTable(w io.Writer, results []Song) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Artist", "Album", "Track", "Title", "Length", "ID"})
	table.SetAutoWrapText(false)
	for i, r := range results {
		track := ""
		if r.Track != nil {
			track = strconv.Itoa(*r.Track)
		}
		table.Append([]string{strconv.Itoa(i + 1), r.Artist, r.Album, track, r.Title, formatLength(r.Length()), r.ID})
	}
	table.Render()
}

func formatLength(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// jsonizer nests results as artist -> album -> tracks.
func jsonizer(results []Song, showURLs bool, indent int) string {
	type AlbumMap map[string][]any
	type ArtistMap map[string]AlbumMap

	hierarchy := make(ArtistMap)
	for _, m := range results {
		if _, ok := hierarchy[m.Artist]; !ok {
			hierarchy[m.Artist] = make(AlbumMap)
		}
		if _, ok := hierarchy[m.Artist][m.Album]; !ok {
			hierarchy[m.Artist][m.Album] = []any{}
		}

		var track any
		if showURLs {
			track = map[string]string{"title": m.Title, "id": m.ID, "url": m.URL}
		} else {
			track = m.Title
		}
		hierarchy[m.Artist][m.Album] = append(hierarchy[m.Artist][m.Album], track)
	}

	var b []byte
	if indent > 0 {
		b, _ = json.MarshalIndent(hierarchy, "", strings.Repeat(" ", indent))
	} else {
		b, _ = json.Marshal(hierarchy)
	}
	return string(b)
}

func commatize(n int) string {
	if n < 0 {
		return "-" + commatize(-n)
	}
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var res []string
	for len(s) > 3 {
		res = append(res, s[len(s)-3:])
		s = s[:len(s)-3]
	}
	res = append(res, s)
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return strings.Join(res, ",")
}

const syntaxGuide = `
# Query Syntax

Queries chain clauses together using single-character notation. Like-type
clauses are logically ORed and unlike-type clauses are logically ANDed.

@<some string>                      - Search for artists matching the string
#<some string>                      - Search for albums matching the string
$<some string>                      - Search for tracks matching the string
<some string>                       - Search for artists, albums, or tracks matching the string

## Combinations

Clauses are comma-separated. Each clause is sent to the Musicd server as its own
search and the results are merged, so a song matching two clauses is listed once.
All strings are searched case-insensitively and will match on partial hits.

@artist1, @artist2                  - Would search for any songs by either artist1 or artist2
@artist1, #album1                   - Would search for songs by artist1 and songs on album1
something1                          - Would search for anything matching "something1", in any field

With --local the song cache is searched instead, and unlike-type clauses narrow
the results:

@artist1, #album1                   - Would search for albums matching "album1" by artists matching "artist1"
something1, $track1                 - Would search for tracks matching "track1" that have "something1" related to them

## Examples

@mingus, @coltrane, @brubeck        - Would play some assorted jazz tracks by these 3 artists
@rolling stones, #greatest          - Would match "Greatest Hits" by "The Rolling Stones"

## Playlist post-commands

Results are queued on MPD. When invoking from the command line, encapsulate your
query in quotes, so that your shell can pass it here properly.

To add playlist commands, append a semicolon ";" to your query and follow it with one of:

#                                   - Play from the #th song on
a                                   - Play all matching songs
r                                   - Play a single, random matching song
s                                   - Play all matching songs, shuffled

### Examples of queries plus commands:

musicd-go search "@rolling stones, #greatest; a" - Queues all songs matching the query
musicd-go search "@decemberists; s"              - Queues all songs matching the query, in a random order

# Bleve Backend Features

With the bleve backend, --local also accepts standard search queries:

title:love~2                       - Fuzzy match title for "love" with edit distance 2
+artist:queen -title:live          - Must be Queen, must not be "live"
`
