package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/config"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/directory"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/event"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/lobby"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/ready"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/relay"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/syncer"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.ReadConfig(config.DefaultPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(context.Background(), loggerCallback)
	defer func() { _ = cleaner.Clean() }()

	dir, sweeper, err := openDirectory(cfg, cleaner)
	if err != nil {
		logger.FatalF("Error occured while initializing directory, details: %v", err)
		return
	}
	alloc, newDriver := openRelay(cfg)

	if cfg.Player.ID == "" {
		cfg.Player.ID = uuid.NewString()
	}
	model := session.New(session.NewPlayer(cfg.Player.ID, cfg.Player.Name, false))
	loop := scheduler.NewLoop()
	ctrl := lobby.New(dir, model, loop, alloc, newDriver, controllerOptions(cfg),
		lobby.WithJoinCache(relay.NewJoinCache(cfg.Relay.JoinCacheSize, cfg.Relay.CacheTTL())))
	cleaner.Add("Lobby", ctrl)

	con := newConsole(ctrl, os.Stdout)
	con.printf("%s ready as %s (%s), type help\n", cfg.AppName, cfg.Player.Name, cfg.Player.ID)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	inbox := make(chan func())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return loop.Run(ctx, cfg.Loop.Frame(), inbox)
	})
	group.Go(func() error {
		return readCommands(ctx, os.Stdin, inbox, con, stop)
	})
	if sweeper != nil {
		group.Go(func() error {
			return sweep(ctx, sweeper, cfg.Loop.Tick())
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorF("Client stopped, details: %v", err)
	}
}

func controllerOptions(cfg config.Config) lobby.Options {
	opts := lobby.DefaultOptions()
	opts.MaxPlayers = cfg.MaxPlayers
	opts.RelayRetryDelay = cfg.Relay.Retry()
	opts.Sync = syncer.Options{
		QueryInterval:     cfg.Directory.Query(),
		HeartbeatInterval: cfg.Directory.Heartbeat(),
		PushInterval:      cfg.Directory.Push(),
		CallTimeout:       cfg.Directory.Timeout(),
	}
	opts.Relay.KeepAlive = cfg.Relay.KeepAlive()
	opts.Relay.ConnectTimeout = cfg.Relay.Connect()
	opts.Ready = ready.Options{
		Timeout:        cfg.Ready.TimeoutDuration(),
		CancelBuffer:   cfg.Ready.Buffer(),
		SampleInterval: cfg.Ready.Sample(),
	}
	return opts
}

// openDirectory returns the directory backend. The local backend also returns itself as the
// service whose expired sessions must be swept.
func openDirectory(cfg config.Config, cleaner *event.Cleaner) (directory.Service, *directory.LocalService, error) {
	if cfg.Directory.Backend == "http" {
		logger.InfoF("Using directory at %s", cfg.Directory.BaseURL)
		return directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Token, cfg.Directory.Timeout()), nil, nil
	}

	var store database.Store
	if cfg.Database.Host == "" {
		logger.WarnF("No database configured, sessions are kept in memory")
		store = database.NewMemoryStore()
	} else {
		db, err := database.Connect(cfg.Database, cfg.AppName)
		if err != nil {
			return nil, nil, err
		}
		cleaner.Add("Database", db)
		store = db
	}
	local := directory.NewLocalService(store, directory.LocalOptions{Expiry: cfg.Directory.Expiry()})
	return local, local, nil
}

func openRelay(cfg config.Config) (relay.AllocationService, func() relay.Driver) {
	if cfg.Relay.Driver == "memory" {
		logger.WarnF("Using the in-process relay, only peers in this process can connect")
		mem := relay.NewMemoryRelay()
		return mem, func() relay.Driver { return mem.NewDriver() }
	}
	client := relay.NewAllocationClient(cfg.Relay.AllocationURL, cfg.Relay.Token, cfg.Relay.Region, cfg.Directory.Timeout())
	wsOpts := relay.DefaultWebsocketOptions()
	wsOpts.DialTimeout = cfg.Relay.Connect()
	return client, func() relay.Driver { return relay.NewWebsocketDriver(wsOpts) }
}

// readCommands forwards stdin lines to the loop goroutine until quit, EOF or ctx ends.
func readCommands(ctx context.Context, in io.Reader, inbox chan<- func(), con *console, stop func()) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}
			select {
			case inbox <- func() {
				if err := con.execute(line); err != nil {
					if errors.Is(err, errQuit) {
						stop()
						return
					}
					con.printf("%v\n", err)
				}
			}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func sweep(ctx context.Context, svc *directory.LocalService, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := svc.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.WarnF("Fail to sweep expired sessions: %v", err)
			}
		}
	}
}
