package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/stellarlinkco/rovermind/internal/audio"
	"github.com/stellarlinkco/rovermind/internal/bus"
	"github.com/stellarlinkco/rovermind/internal/camera"
	"github.com/stellarlinkco/rovermind/internal/channel"
	"github.com/stellarlinkco/rovermind/internal/config"
	"github.com/stellarlinkco/rovermind/internal/cron"
	"github.com/stellarlinkco/rovermind/internal/journal"
	"github.com/stellarlinkco/rovermind/internal/logs"
	"github.com/stellarlinkco/rovermind/internal/oracle"
	"github.com/stellarlinkco/rovermind/internal/pilot"
	"github.com/stellarlinkco/rovermind/internal/skills"
	"github.com/stellarlinkco/rovermind/internal/state"
)

const (
	busSize      = 32
	drainTimeout = 30 * time.Second
)

// Options replaces hardware and network dependencies, mostly for tests.
type Options struct {
	Backend    oracle.Backend
	Camera     camera.Source
	Player     audio.Player
	Recorder   audio.Recorder
	Synth      audio.Synth
	SignalChan chan os.Signal
}

// Gateway owns every long-lived component of a running robot.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *bus.MessageBus
	store      *state.Store
	oracle     *oracle.Client
	camera     camera.Source
	recorder   audio.Recorder
	library    *audio.Library
	synth      audio.Synth
	dispatcher *audio.Dispatcher
	journal    *journal.Journal
	skills     *skills.Set
	loop       *pilot.Loop
	cron       *cron.Service
	channels   *channel.ChannelManager

	server     *http.Server
	signalChan chan os.Signal
	started    time.Time
}

func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		logger:     logs.Component("gateway"),
		bus:        bus.NewMessageBus(busSize),
		signalChan: opts.SignalChan,
	}

	g.store = state.NewStore(cfg.Robot.MemoryFile, cfg.Robot.HistoryLimit)
	if err := g.store.Load(); err != nil {
		g.logger.Warn("memory not restored", "error", err)
	}
	g.store.SetGoal(cfg.Robot.Goal)
	g.store.SetLang(cfg.Robot.Lang)
	g.store.SetControl(func(c *state.Control) { c.Speed = cfg.Robot.DefaultSpeed })

	oracleLogger := logs.Component("oracle")
	if opts.Backend != nil {
		g.oracle = oracle.New(opts.Backend, oracle.Options{
			Models:      append([]string{cfg.Oracle.Model}, cfg.Oracle.FallbackModels...),
			Timeout:     time.Duration(cfg.Oracle.Timeout) * time.Second,
			Temperature: cfg.Oracle.Temperature,
			MaxTokens:   cfg.Oracle.MaxTokens,
			Logger:      oracleLogger,
		})
	} else {
		client, err := oracle.NewFromConfig(ctx, cfg.Oracle, oracleLogger)
		if err != nil {
			return nil, fmt.Errorf("create oracle: %w", err)
		}
		g.oracle = client
	}

	g.camera = opts.Camera
	if g.camera == nil {
		g.camera = camera.NewAcquirer(cfg.Camera.URL, time.Duration(cfg.Camera.Timeout)*time.Second, logs.Component("camera"))
	}

	audioLogger := logs.Component("audio")
	g.library = audio.NewLibrary(cfg.Audio.SoundsDir, audioLogger)
	g.synth = opts.Synth
	if g.synth == nil {
		g.synth = audio.NewSynthesizer(cfg.Audio.TTSAPIKey, cfg.Audio.TTSBaseURL, cfg.Audio.CacheDir)
	}
	player := opts.Player
	if player == nil {
		player = audio.NewCommandPlayer(cfg.Audio.Player)
	}
	g.recorder = opts.Recorder
	if g.recorder == nil {
		g.recorder = audio.NewCommandRecorder(cfg.Audio.Recorder)
	}
	g.dispatcher = audio.NewDispatcher(player, g.synth, g.library, 0, audioLogger)

	var tickJournal pilot.Journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		g.journal = j
		tickJournal = j
	}

	set, err := skills.Load(cfg.Robot.SkillsDir, logs.Component("skills"))
	if err != nil {
		g.closeJournal()
		return nil, fmt.Errorf("load skills: %w", err)
	}
	g.skills = set
	if set.Len() > 0 {
		g.logger.Info("skills loaded", "skills", set.Names())
	}

	pilotLogger := logs.Component("pilot")
	g.loop = pilot.NewLoop(pilot.LoopOptions{
		Camera:         g.camera,
		Microphone:     g.recorder,
		CaptureSeconds: cfg.Audio.CaptureSeconds,
		Oracle:         g.oracle,
		Interpreter:    pilot.NewInterpreter(g.store, g.dispatcher, cfg.Robot.SafetyDistanceCm, cfg.Robot.DefaultSpeed, pilotLogger),
		Store:          g.store,
		Journal:        tickJournal,
		Guide:          set,
		SafetyDistance: cfg.Robot.SafetyDistanceCm,
		Logger:         pilotLogger,
	})

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"), logs.Component("cron"))
	g.registerHousekeeping()

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeJournal()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.dispatcher.Start(context.Background())
	return g, nil
}

// Store exposes the robot state, for the CLI.
func (g *Gateway) Store() *state.Store { return g.store }

// Tick runs one decision cycle.
func (g *Gateway) Tick(ctx context.Context, snap pilot.Snapshot) pilot.Result {
	return g.loop.Tick(ctx, snap)
}

func (g *Gateway) registerHousekeeping() {
	g.cron.Handle(cron.TaskPruneJournal, func(ctx context.Context, p cron.Payload) (string, error) {
		if g.journal == nil {
			return "journal disabled", nil
		}
		days := g.cfg.Journal.RetentionDays
		cutoff := time.Now().Add(-p.MaxAge(time.Duration(days) * 24 * time.Hour))
		n, err := g.journal.Prune(cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d ticks", n), nil
	})
	g.cron.Handle(cron.TaskSweepTTS, func(ctx context.Context, p cron.Payload) (string, error) {
		sweeper, ok := g.synth.(interface {
			Sweep(time.Duration) (int, error)
		})
		if !ok {
			return "no cache", nil
		}
		n, err := sweeper.Sweep(p.MaxAge(7 * 24 * time.Hour))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d clips", n), nil
	})
}

func (g *Gateway) ensureHousekeepingJobs() error {
	expr := g.cfg.Journal.Housekeeping
	if expr == "" {
		expr = config.DefaultHousekeeping
	}
	if _, err := g.cron.EnsureJob("journal-prune", cron.Schedule{Kind: "cron", Expr: expr}, cron.Payload{Task: cron.TaskPruneJournal}); err != nil {
		return err
	}
	_, err := g.cron.EnsureJob("tts-sweep", cron.Schedule{Kind: "cron", Expr: expr}, cron.Payload{Task: cron.TaskSweepTTS})
	return err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.started = time.Now()

	go func() {
		if err := g.library.Watch(ctx); err != nil {
			g.logger.Warn("sound library watch stopped", "error", err)
		}
	}()
	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "error", err)
	}
	if err := g.ensureHousekeepingJobs(); err != nil {
		g.logger.Warn("housekeeping jobs not scheduled", "error", err)
	}

	go g.processLoop(ctx)

	serveErr := make(chan error, 1)
	go func() {
		g.logger.Info("listening", "addr", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case runErr = <-serveErr:
		g.logger.Error("http server failed", "error", runErr)
	}

	g.logger.Info("shutting down")
	if err := g.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	if err := g.server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}
	g.cron.Stop()
	_ = g.channels.StopAll()
	if err := g.dispatcher.Drain(ctx); err != nil {
		g.logger.Warn("audio queue not drained", "error", err)
	}
	g.closeJournal()
	g.logger.Info("shutdown complete")
	return firstErr
}

// Close releases resources of a gateway that was never Run. Queued speech
// and sounds finish playing first.
func (g *Gateway) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := g.dispatcher.Drain(ctx); err != nil {
		g.logger.Warn("audio queue not drained", "error", err)
	}
	g.closeJournal()
}

func (g *Gateway) closeJournal() {
	if g.journal == nil {
		return
	}
	if err := g.journal.Close(); err != nil {
		g.logger.Warn("close journal failed", "error", err)
	}
	g.journal = nil
}
