package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/driftfm/driftfm/internal/analytics"
	"github.com/driftfm/driftfm/internal/api"
	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/config"
	"github.com/driftfm/driftfm/internal/engine"
	"github.com/driftfm/driftfm/internal/loading"
	"github.com/driftfm/driftfm/internal/service"
	"github.com/driftfm/driftfm/internal/session"
	"github.com/driftfm/driftfm/internal/slot"
	"github.com/driftfm/driftfm/internal/storagecdn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const catalogRefreshInterval = 30 * time.Minute

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	channelFlag = flag.String("channel", "", "Start playing this channel immediately")
	catalogFlag = flag.String("catalog", "", "Path to the catalog database (overrides config)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands (stdin): play <channel> | stop | energy <low|medium|high> | skip | pause | resume | vol <0-100> | status | dismiss | quit\n")

		configPath, err := config.GetConfigPath()
		if err == nil {
			fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
		}
	}
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	log.Info().Msgf("Starting %s v%s", config.AppName, config.AppVersion)

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Using default configuration")
	}
	if *catalogFlag != "" {
		cfg.CatalogPath = *catalogFlag
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog")
	}

	var catalogSync *service.CatalogSync
	if cfg.BackendURL != "" {
		catalogSync = service.NewCatalogSync(api.NewClient(cfg.BackendURL), store)
		syncCtx, syncCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := catalogSync.Refresh(syncCtx); err != nil {
			log.Warn().Err(err).Msg("Initial catalog refresh failed, using local catalog")
		}
		syncCancel()
		catalogSync.StartPeriodicRefresh(catalogRefreshInterval)
		defer catalogSync.StopPeriodicRefresh()
	}

	resolver := newResolver(cfg)
	eng := newEngine(cfg, resolver)
	eng.SetVolume(cfg.Volume)
	eng.SetCrossfade(cfg.Crossfade.Enabled, engine.CrossfadeMode(cfg.Crossfade.Mode),
		time.Duration(cfg.Crossfade.DurationMs)*time.Millisecond)

	slots := slot.NewEngine(store, store, rand.NewSource(time.Now().UnixNano()))
	seq := slot.NewSequencer(slots, nil)

	// The TTFA hook and source provider are bound after the controller
	// exists; the loading machine only holds closures. Routing Sources
	// through the controller keeps audibility polling on the current
	// engine after a SwapEngine.
	var ctl *session.Controller
	provider := loading.SourceFunc(func() []engine.SourceState {
		if ctl == nil {
			return nil
		}
		return ctl.Sources()
	})
	loader := loading.NewMachine(provider,
		loading.WithMinVisible(time.Duration(cfg.MinVisibleMs)*time.Millisecond),
		loading.WithOnPlaying(func(req loading.Request, ttfa time.Duration) {
			log.Info().Str("channel", req.ChannelID).Dur("ttfa", ttfa).Msg("Playing")
			if ctl != nil {
				ctl.RecordTTFA(req, ttfa)
			}
		}),
	)

	var sink analytics.Sink = analytics.NopSink{}
	if cfg.AnalyticsEndpoint != "" {
		sink = analytics.NewHTTPSink(cfg.AnalyticsEndpoint)
	}

	ctl = session.New(store, slots, seq, eng, loader, sink, cfg)
	defer ctl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *channelFlag != "" {
		if err := ctl.ToggleChannel(ctx, *channelFlag, true); err != nil {
			log.Error().Err(err).Str("channel", *channelFlag).Msg("Failed to start channel")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return commandLoop(ctx, cancel, ctl)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Shutting down with error")
		ctl.Close()
		os.Exit(1)
	}
	log.Info().Msg("Stopped")
}

// commandLoop reads control commands from stdin until EOF or quit.
func commandLoop(ctx context.Context, cancel context.CancelFunc, ctl *session.Controller) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "play":
			if len(args) != 1 {
				fmt.Println("usage: play <channel>")
				continue
			}
			if err := ctl.ToggleChannel(ctx, args[0], true); err != nil {
				log.Error().Err(err).Msg("Play failed")
			}
		case "stop":
			if err := ctl.ToggleChannel(ctx, "", false); err != nil {
				log.Error().Err(err).Msg("Stop failed")
			}
		case "energy":
			if len(args) != 1 {
				fmt.Println("usage: energy <low|medium|high>")
				continue
			}
			if err := ctl.SetEnergy(ctx, channel.EnergyTier(args[0])); err != nil {
				log.Error().Err(err).Msg("Energy change failed")
			}
		case "skip":
			ctl.Skip()
		case "pause":
			ctl.Pause()
		case "resume":
			ctl.Resume()
		case "vol":
			if len(args) != 1 {
				fmt.Println("usage: vol <0-100>")
				continue
			}
			v, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("usage: vol <0-100>")
				continue
			}
			ctl.SetVolume(v)
		case "status":
			printStatus(ctl.Snapshot())
		case "dismiss":
			ctl.DismissError()
		case "quit", "exit":
			cancel()
			return nil
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
	cancel()
	return scanner.Err()
}

func printStatus(s session.Snapshot) {
	if s.ChannelID == "" {
		fmt.Println("idle")
		return
	}
	state := "paused"
	if s.Playing {
		state = "playing"
	}
	fmt.Printf("%s [%s] %s  vol=%d  position=%d  buffer=%d/%d  loading=%s\n",
		s.ChannelName, s.Tier, state, s.Volume, s.Position, s.CurrentIndex+1, s.BufferLen, s.Loading.Status)
	if s.CurrentTrack != nil {
		fmt.Printf("  now: %s - %s\n", s.CurrentTrack.Artist, s.CurrentTrack.Title)
	}
}

func openStore(cfg *config.Config) (*catalog.SQLiteStore, error) {
	if cfg.CatalogPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.CatalogPath = filepath.Join(home, config.ConfigDir, "catalog.db")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath), 0755); err != nil {
		return nil, err
	}
	return catalog.OpenSQLite(cfg.CatalogPath)
}

func newResolver(cfg *config.Config) storagecdn.Resolver {
	opts := []storagecdn.Option{}
	if cfg.SignerURL != "" {
		opts = append(opts, storagecdn.WithSigner(cfg.SignerURL, 15*time.Minute))
	}
	return storagecdn.NewCDNResolver(cfg.CDNBaseURL, opts...)
}

func newEngine(cfg *config.Config, resolver storagecdn.Resolver) engine.AudioEngine {
	switch cfg.Engine {
	case "hls":
		return engine.NewHLSEngine(resolver, engine.RealClock{})
	default:
		return engine.NewSpeakerEngine(resolver, engine.RealClock{})
	}
}
