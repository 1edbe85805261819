// rtcview-server: development stream server.
//
// It publishes the configured streams under /api/streams, answers viewer
// offers with a pion peer connection per viewer and serves recorded clips
// from the storage directory. Streams may be fed from looping IVF files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/server"
	"github.com/1ureka/rtcview/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var (
		configPath string
		listen     string
		storage    string
		streams    []string
		iceServers []string
		loopback   bool
		debug      bool
	)

	fs := pflag.NewFlagSet("rtcview-server", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&listen, "listen", "", "listen address (default 127.0.0.1:8000)")
	fs.StringVar(&storage, "storage", "", "directory holding recorded clips")
	fs.StringArrayVar(&streams, "stream", nil, "published stream as label or label=file.ivf, repeatable")
	fs.StringArrayVar(&iceServers, "ice-server", nil, "STUN/TURN URL, repeatable")
	fs.BoolVar(&loopback, "loopback", true, "gather loopback candidates")
	fs.BoolVar(&debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if fs.Changed("listen") {
		cfg.Server.Listen = listen
	}
	if fs.Changed("storage") {
		cfg.Server.Storage = storage
	}
	if fs.Changed("stream") {
		cfg.Server.Streams = parseStreams(streams)
	}
	if fs.Changed("ice-server") {
		cfg.SetSTUNServers(iceServers)
	}
	if fs.Changed("loopback") {
		cfg.Server.LoopbackCandidates = loopback
	}
	if fs.Changed("debug") {
		cfg.Debug = debug
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	pterm.Info.Println(fmt.Sprintf("rtcview-server v%s", version))
	pterm.Println()

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	addr, err := srv.Start(cfg.Server.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	labels := make([]string, 0, len(cfg.Server.Streams))
	for _, s := range cfg.Server.Streams {
		labels = append(labels, s.Label)
	}
	util.LogSuccess("serving %d stream(s) on http://%s: %s", len(labels), addr, strings.Join(labels, ", "))

	go srv.RunSources(ctx)

	<-ctx.Done()
	util.LogInfo("shutting down")
	return nil
}

// parseStreams turns label[=file.ivf] flags into stream entries.
func parseStreams(values []string) []config.StreamConfig {
	out := make([]config.StreamConfig, 0, len(values))
	for _, v := range values {
		label, ivf, _ := strings.Cut(v, "=")
		out = append(out, config.StreamConfig{Label: label, IVF: ivf})
	}
	return out
}
