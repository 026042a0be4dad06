package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/buildwatch/backend/internal/config"
	"github.com/buildwatch/backend/internal/initiator"
	"github.com/buildwatch/backend/internal/logwatch"
	"github.com/buildwatch/backend/internal/mock"
	"github.com/buildwatch/backend/internal/monitor"
	"github.com/buildwatch/backend/internal/session"
	"github.com/buildwatch/backend/internal/ws"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run wires the pipeline and blocks until a signal arrives or the server
// fails. Deferred cleanup runs on both paths.
func run() error {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	logPath := flag.String("log", "", "Override the build log to watch")
	mockMode := flag.Bool("mock", false, "Write synthetic builds to the watched log")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logPath != "" {
		cfg.Watcher.LogPath = *logPath
	}

	authToken := cfg.Server.AuthToken
	if authToken == "" && !isLoopback(cfg.Server.Host) {
		authToken, err = config.GenerateToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		log.Printf("Listening beyond loopback; API token: %s", authToken)
	}

	privacy := &session.PrivacyFilter{
		MaskPaths:     cfg.Server.Privacy.MaskPaths,
		MaskHostNames: cfg.Server.Privacy.MaskHostNames,
		MaskPIDs:      cfg.Server.Privacy.MaskPIDs,
	}

	store := session.NewStore(cfg.Watcher.MaxSessions)
	broadcaster := ws.NewBroadcaster(store, cfg.Watcher.BroadcastThrottle, cfg.Watcher.SnapshotInterval, cfg.Server.MaxConnections)
	broadcaster.SetPrivacy(privacy)
	defer broadcaster.Stop()

	path := cfg.ResolveLogPath()
	watcher := logwatch.New(path,
		logwatch.WithPollInterval(cfg.Watcher.PollInterval),
		logwatch.WithFsnotify(cfg.Watcher.UseFsnotify),
	)

	mon := monitor.NewMonitor(cfg, store, watcher, broadcaster)
	mon.SetResolver(initiator.New())
	events := make(chan session.Event, cfg.Watcher.EventBuffer)
	mon.SetEvents(events)

	server := ws.NewServer(cfg, store, broadcaster, cfg.Server.AllowedOrigins, authToken)
	server.SetPrivacy(privacy)
	server.SetHealthHook(func() any { return mon.Health() })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go broadcaster.Consume(ctx, events)
	go mon.Start(ctx)

	if *mockMode {
		log.Println("Starting mock orchestrator")
		mock.NewGenerator(path, cfg.Mock).Start(ctx)
	}

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Routes()); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Println("Shutting down...")
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
