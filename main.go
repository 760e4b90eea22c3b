package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/thenaterhood/dnschat/app"
	"github.com/thenaterhood/dnschat/cache"
	"github.com/thenaterhood/dnschat/daemon"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"github.com/thenaterhood/dnschat/resolver"
	"github.com/thenaterhood/dnschat/server"
	"github.com/thenaterhood/dnschat/system"
)

func dropPrivileges(uid, gid int) error {
	if err := syscall.Setgid(gid); err != nil {
		return err
	}
	if err := syscall.Setuid(uid); err != nil {
		return err
	}
	return nil
}

const resolvConfWatchInterval = 5 * time.Second

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] message...\n       %s [flags] -serve addr\n\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	conffile := flag.String("config", "./dnschat.json", "config file (.json, .yaml or .yml)")
	serverName := flag.String("server", "", "dns server to ask, defaults to default_server")
	enableMock := flag.Bool("mock", false, "fall back to a local mock reply")
	experimental := flag.Bool("experimental", false, "allow raw udp and tcp transports")
	showAttempts := flag.Bool("attempts", false, "print the method attempt log as json on stderr")
	serveAddr := flag.String("serve", "", "answer txt queries on this address instead of sending one")
	serveZone := flag.String("zone", models.DefaultZone, "zone answered by -serve")
	relay := flag.Bool("relay", false, "with -serve, answer by forwarding prompts to -server")
	capabilities := flag.Bool("capabilities", false, "print the available transport methods as json and exit")
	flag.Usage = usage
	flag.Parse()

	config, err := app.GetConfig(*conffile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config %s not loaded: %v\n", *conffile, err)
		return 2
	}

	stdoutLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(config.LogLevel),
	}))

	appMetrics := metrics.GetMetrics(metrics.MetricsConfig{
		Enable:  !config.DisableMetrics,
		Logger:  stdoutLogger,
		Address: config.MetricsAddress,
	})

	replyCache, cacheErr := cache.GetCache(config.CacheConfig(stdoutLogger, appMetrics))
	if cacheErr != nil {
		stdoutLogger.Warn("failed to initialize cache - disabling caching", "err", cacheErr)
	}

	if config.RespectResolveConf {
		resolvconf, err := system.NewResolvConfFromPath(config.ResolvConfPath)
		if err != nil {
			stdoutLogger.Warn("failed to read resolvconf", "path", config.ResolvConfPath, "err", err)
		} else {
			config.ResolvConf = resolvconf
		}
	}

	transports := resolver.GetTransports(config.ResolverConfig(stdoutLogger, appMetrics))
	state := app.NewAppState(config, stdoutLogger, appMetrics, replyCache, transports)
	defer state.Close()

	if config.CacheReplies {
		stopPersisting := daemon.NewPersistentCache(*config, state).Start()
		defer stopPersisting()

		pipeline := daemon.NewExchangePipeline(*config, state)
		if err := pipeline.Start(); err != nil {
			state.Log.Warn("caching failed to start", "err", err)
		} else {
			defer pipeline.Stop()
		}
	}

	if err := state.Metrics.Start(); err != nil {
		state.Log.Warn("failed to start metrics", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.SendOptions{
		EnableMock:                  config.EnableMock || *enableMock,
		AllowExperimentalTransports: config.AllowExperimentalTransports || *experimental,
	}

	if *capabilities {
		data, err := json.MarshalIndent(state.Engine.Capabilities(), "", "  ")
		if err != nil {
			state.Log.Error("failed to encode capabilities", "err", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if *serveAddr != "" {
		return serve(ctx, state, *serveAddr, *serveZone, *relay, *serverName, opts)
	}

	message := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(message) == "" {
		flag.Usage()
		return 2
	}

	reply, attempts, err := state.SendQuery(ctx, message, *serverName, opts)

	if *showAttempts {
		if data, err := json.Marshal(attempts); err == nil {
			fmt.Fprintln(os.Stderr, string(data))
		}
	}

	if err != nil {
		target := *serverName
		if target == "" {
			target = config.DefaultServer
		}
		fmt.Fprintln(os.Stderr, models.UserMessage(err, target))
		return 1
	}

	fmt.Println(reply)
	return 0
}

func serve(ctx context.Context, state *app.AppState, addr string, zone string, relay bool, upstream string, opts app.SendOptions) int {
	responder := server.EchoResponder
	if relay {
		responder = func(ctx context.Context, prompt string) (string, error) {
			reply, _, err := state.SendQuery(ctx, prompt, upstream, opts)
			return reply, err
		}
	}

	txtServer := server.NewTxtServer(server.TxtServerConfig{
		Addr:      addr,
		Zone:      zone,
		Logger:    state.Log,
		Metrics:   state.Metrics,
		Responder: responder,
	})
	if err := txtServer.Start(); err != nil {
		state.Log.Error("failed to start txt server", "err", err)
		return 1
	}

	if state.Config.ResolvConf != nil {
		state.Config.ResolvConf.Watch(ctx, resolvConfWatchInterval, state.Log)
	}

	if os.Geteuid() == 0 {
		if err := dropPrivileges(65534, 65534); err != nil {
			state.Log.Warn("failed to drop privileges after initialization", "err", err)
		} else {
			state.Log.Debug("successfully dropped privileges after initialization")
		}
	}

	<-ctx.Done()
	state.Log.Info("shutting down txt server")
	if err := txtServer.Shutdown(); err != nil {
		state.Log.Warn("txt server did not shut down cleanly", "err", err)
	}
	return 0
}
