// The twitch-hls-client command fetches a live Twitch HLS stream and pipes
// the raw MPEG-TS segment bytes into a media player's standard input.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/brian6932/twitch-hls-client/internal/acquire"
	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/config"
	"github.com/brian6932/twitch-hls-client/internal/player"
	"github.com/brian6932/twitch-hls-client/internal/pump"
	"github.com/brian6932/twitch-hls-client/internal/worker"
)

const version = "1.0.0"

func main() {
	cfg := config.Default()

	configPath, explicit := configPathArg(os.Args[1:])
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if configPath != "" {
		if err := cfg.ApplyFile(configPath, explicit); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	fs := flag.NewFlagSet("twitch-hls-client", flag.ExitOnError)
	fs.String("config", configPath, "Path to a config file (KEY=VALUE lines)")
	cfg.RegisterFlags(fs)

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "twitch-hls-client v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <channel> [quality]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <channel>    Twitch channel name\n")
		fmt.Fprintf(os.Stderr, "  [quality]    best, worst, or a quality tag (default: best)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -player mpv -player-args - somechannel\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -player mpv -player-args - somechannel 720p60\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -passthrough somechannel\n", os.Args[0])
	}

	fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("twitch-hls-client v%s\n", version)
		os.Exit(0)
	}

	cfg.Channel = fs.Arg(0)
	if fs.NArg() >= 2 {
		cfg.Quality = fs.Arg(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	logLevel := hclog.Info
	if cfg.Debug {
		logLevel = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "twitch-hls-client",
		Level: logLevel,
		Color: hclog.AutoColor,
	})

	exit := run(cfg, logger)
	if !exit.Success() {
		logger.Error("exiting", "reason", exit)
		os.Exit(exitCode(exit))
	}
}

func run(cfg *config.Config, logger hclog.Logger) worker.Exit {
	httpAgent := agent.New(agent.Config{
		Retries:    cfg.HTTPRetries,
		Timeout:    cfg.HTTPTimeout,
		ForceHTTPS: cfg.ForceHTTPS,
		ForceIPv4:  cfg.ForceIPv4,
		UserAgent:  cfg.UserAgent,
	}, logger.Named("agent"))

	resolver := acquire.New(acquire.Config{
		Channel:    cfg.Channel,
		Quality:    cfg.Quality,
		Codecs:     cfg.Codecs,
		Servers:    cfg.Servers,
		NeverProxy: cfg.NeverProxy,
		ClientID:   cfg.ClientID,
		AuthToken:  cfg.AuthToken,
		LowLatency: !cfg.NoLowLatency,
	}, httpAgent, logger.Named("acquire"))

	playlistURL, lowLatency, err := resolver.Resolve()
	if err != nil {
		return report(err, logger)
	}

	if cfg.Passthrough {
		if cfg.Player == "" {
			fmt.Println(playlistURL)
			return worker.Ok
		}
		if err := player.Passthrough(playerConfig(cfg), playlistURL, logger.Named("player")); err != nil {
			logger.Error("passthrough failed", "error", err)
			return worker.NetworkExhausted
		}
		return worker.Ok
	}

	sink, err := player.Spawn(playerConfig(cfg), logger.Named("player"))
	if err != nil {
		logger.Error("failed to start player", "error", err)
		return worker.NetworkExhausted
	}
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	w := worker.New(worker.Config{
		PlaylistURL: playlistURL,
		LowLatency:  lowLatency,
	}, httpAgent, pump.New(httpAgent, sink, logger.Named("pump")), logger.Named("worker"))

	return report(w.Run(ctx), logger)
}

func report(err error, logger hclog.Logger) worker.Exit {
	exit := worker.Classify(err)
	switch exit {
	case worker.Ok:
		logger.Info("exiting")
	case worker.ChannelOffline:
		logger.Info("channel offline, exiting")
	default:
		logger.Error(exit.String(), "error", err)
	}
	return exit
}

func playerConfig(cfg *config.Config) player.Config {
	return player.Config{
		Path:   cfg.Player,
		Args:   cfg.PlayerArgs,
		Quiet:  cfg.Quiet,
		NoKill: cfg.NoKill,
	}
}

// configPathArg pre-scans the arguments for -config so the file can be
// applied before flag parsing, letting flags override it.
func configPathArg(args []string) (string, bool) {
	for i, a := range args {
		a = strings.TrimPrefix(a, "-")
		a = strings.TrimPrefix(a, "-")
		switch {
		case a == "config":
			if i+1 < len(args) {
				return args[i+1], true
			}
		case strings.HasPrefix(a, "config="):
			return strings.TrimPrefix(a, "config="), true
		}
	}
	return "", false
}

func exitCode(exit worker.Exit) int {
	switch exit {
	case worker.Ok, worker.ChannelOffline:
		return 0
	case worker.QualityNotFound:
		return 2
	case worker.StreamStalled:
		return 3
	case worker.NetworkExhausted:
		return 4
	case worker.ForbiddenByPolicy:
		return 5
	}
	return 1
}
