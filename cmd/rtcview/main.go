// rtcview: CLI entry point.
//
// rtcview discovers the streams a camera server publishes, negotiates one
// WebRTC session per stream and records or drains the received media. The
// clips subcommand lists and downloads recorded clips.
//
// Flags override the optional YAML file given with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcview/internal/app"
	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/directory"
	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/session"
	"github.com/1ureka/rtcview/internal/signaling"
	"github.com/1ureka/rtcview/internal/transport"
	"github.com/1ureka/rtcview/internal/ui"
	"github.com/1ureka/rtcview/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "clips" {
		err = runClips(ctx, os.Args[2:])
	} else {
		err = runViewer(ctx, os.Args[1:])
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// commonFlags are shared by the viewer and the clips subcommand.
type commonFlags struct {
	configPath string
	serverURL  string
	debug      bool
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&c.serverURL, "server", "", "stream server base URL (default http://127.0.0.1:8000)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// load builds the configuration: defaults, then the file, then flags.
func (c *commonFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(c.configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("server") {
		cfg.ServerURL = c.serverURL
	}
	if fs.Changed("debug") {
		cfg.Debug = c.debug
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Viewer
// ---------------------------------------------------------------------------

func runViewer(ctx context.Context, args []string) error {
	var (
		common          commonFlags
		iceServers      []string
		signalingKind   string
		recovery        string
		gatherTimeout   = config.Default().GatherTimeout
		exchangeTimeout = config.Default().ExchangeTimeout
		recordDir       string
		start           []string
		startAll        bool
		loopback        bool
	)

	fs := pflag.NewFlagSet("rtcview", pflag.ContinueOnError)
	common.add(fs)
	fs.StringArrayVar(&iceServers, "ice-server", nil, "STUN/TURN URL, repeatable (replaces the configured list)")
	fs.StringVar(&signalingKind, "signaling", "", "signaling transport: http or websocket")
	fs.StringVar(&recovery, "recovery", "", "on connection loss: session (renegotiate it) or reload (rediscover all)")
	fs.DurationVar(&gatherTimeout, "gather-timeout", gatherTimeout, "max wait for ICE gathering on activation, 0 waits forever")
	fs.DurationVar(&exchangeTimeout, "exchange-timeout", exchangeTimeout, "max duration of one signaling exchange, 0 waits forever")
	fs.StringVar(&recordDir, "record-dir", "", "record received media into this directory")
	fs.StringSliceVar(&start, "start", nil, "activate these streams without prompting (comma separated)")
	fs.BoolVar(&startAll, "all", false, "activate every stream without prompting")
	fs.BoolVar(&loopback, "loopback", false, "gather loopback candidates (viewer and server on one host)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if fs.Changed("ice-server") {
		cfg.SetSTUNServers(iceServers)
	}
	if fs.Changed("signaling") {
		cfg.Signaling = config.SignalingKind(signalingKind)
	}
	if fs.Changed("recovery") {
		cfg.Recovery = config.Recovery(recovery)
	}
	if fs.Changed("gather-timeout") {
		cfg.GatherTimeout = gatherTimeout
	}
	if fs.Changed("exchange-timeout") {
		cfg.ExchangeTimeout = exchangeTimeout
	}
	if fs.Changed("record-dir") {
		cfg.RecordDir = recordDir
	}
	if fs.Changed("start") {
		cfg.Start = start
	}
	if fs.Changed("all") {
		cfg.StartAll = startAll
	}
	if fs.Changed("loopback") {
		cfg.LoopbackCandidates = loopback
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pterm.Info.Println(fmt.Sprintf("rtcview v%s", version))
	pterm.Println()

	return view(ctx, cfg)
}

// view runs the negotiator until ctx ends or discovery fails.
func view(ctx context.Context, cfg *config.Config) error {
	api, err := transport.NewAPI(transport.APIOptions{LoopbackCandidates: cfg.LoopbackCandidates})
	if err != nil {
		return err
	}
	dial := func() (session.Conn, error) {
		tr, err := transport.New(api, cfg.ICEServers)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}

	var sink media.Sink = media.Discard{}
	if cfg.RecordDir != "" {
		sink = media.Recorder{Dir: cfg.RecordDir}
	}
	surface := media.NewSurface(sink)
	defer surface.Close()

	var controls app.Controls
	var console *ui.Console
	if !cfg.StartAll {
		console = ui.NewConsole()
		controls = console
	}
	if cfg.StartAll || len(cfg.Start) > 0 {
		auto := &ui.Auto{IDs: cfg.Start, All: cfg.StartAll}
		if console != nil {
			auto.Next = console
		}
		controls = auto
	}

	n := app.New(app.Params{
		Directory:     directory.New(cfg.ServerURL, nil),
		Dial:          dial,
		Signaler:      signaling.New(cfg),
		Surface:       surface,
		Controls:      controls,
		Alerter:       ui.Alert{},
		Recovery:      cfg.Recovery,
		GatherTimeout: cfg.GatherTimeout,
	})

	util.StartStatsReporter(ctx)
	if console != nil {
		go console.Run(ctx)
	}

	util.LogInfo("connecting to %s (%s signaling, %s recovery)", cfg.ServerURL, cfg.Signaling, cfg.Recovery)
	if err := n.Run(ctx); err != nil {
		return err
	}

	util.LogInfo("all sessions closed")
	return nil
}
