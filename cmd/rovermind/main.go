package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/rovermind/internal/config"
	"github.com/stellarlinkco/rovermind/internal/gateway"
	"github.com/stellarlinkco/rovermind/internal/journal"
	"github.com/stellarlinkco/rovermind/internal/logs"
	"github.com/stellarlinkco/rovermind/internal/pilot"
)

// Ticker runs single decision cycles (allows mocking in tests)
type Ticker interface {
	Tick(ctx context.Context, snap pilot.Snapshot) pilot.Result
	Close()
}

// TickerFactory creates a Ticker for one CLI invocation
type TickerFactory func(ctx context.Context, cfg *config.Config) (Ticker, error)

// DefaultTickerFactory builds a full gateway without starting it
func DefaultTickerFactory(ctx context.Context, cfg *config.Config) (Ticker, error) {
	return gateway.New(ctx, cfg)
}

var tickerFactory TickerFactory = DefaultTickerFactory

var rootCmd = &cobra.Command{
	Use:   "rovermind",
	Short: "rovermind - vision-model pilot for a small rover",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFlag != "" {
			os.Setenv("ROVERMIND_CONFIG", configFlag)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the HTTP API, channels and housekeeping",
	RunE:    runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one decision cycle and print the motor command",
	RunE:  runTick,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rovermind status",
	RunE:  runStatus,
}

var journalCmd = &cobra.Command{
	Use:   "journal [keywords...]",
	Short: "List recent ticks, or ticks whose reply matches keywords",
	RunE:  runJournal,
}

var (
	configFlag   string
	distanceFlag float64
	audioFlag    string
	captureFlag  bool
	limitFlag    int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (overrides ROVERMIND_CONFIG)")
	tickCmd.Flags().Float64VarP(&distanceFlag, "distance", "d", 0, "Measured distance ahead in cm")
	tickCmd.Flags().StringVar(&audioFlag, "audio", "", "WAV clip to attach")
	tickCmd.Flags().BoolVar(&captureFlag, "capture", false, "Record a microphone clip")
	journalCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Maximum ticks to list")
	rootCmd.AddCommand(serveCmd, tickCmd, onboardCmd, statusCmd, journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logs.Setup(cfg.Log.Level)
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Oracle.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'rovermind onboard' or set ROVERMIND_API_KEY / GEMINI_API_KEY")
	}

	gw, err := gateway.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	snap := pilot.Snapshot{DistanceCm: distanceFlag, CaptureAudio: captureFlag}
	if audioFlag != "" {
		data, err := os.ReadFile(audioFlag)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		snap.Audio = data
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := tickerFactory(ctx, cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	res := t.Tick(ctx, snap)
	if res.Outcome.Vetoed {
		fmt.Fprintf(cmd.ErrOrStderr(), "forward move vetoed at %.0f cm\n", distanceFlag)
	}
	if res.Err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "no decision: %v\n", res.Err)
	}
	for _, e := range res.Outcome.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Command)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.Audio.SoundsDir, cfg.Audio.CacheDir, filepath.Join(cfg.Robot.SkillsDir, "safety")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	writeIfNotExists(out, filepath.Join(cfg.Robot.SkillsDir, "safety", "SKILL.md"), defaultSafetySkill)

	fmt.Fprintf(out, "Sounds: %s\n", cfg.Audio.SoundsDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set ROVERMIND_API_KEY / GEMINI_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'rovermind tick -d 80' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Oracle.Provider))
	fmt.Fprintf(out, "Model: %s\n", cfg.Oracle.Model)
	if len(cfg.Oracle.FallbackModels) > 0 {
		fmt.Fprintf(out, "Fallbacks: %s\n", strings.Join(cfg.Oracle.FallbackModels, ", "))
	}
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Oracle.APIKey))
	fmt.Fprintf(out, "Camera: %s\n", cfg.Camera.URL)
	fmt.Fprintf(out, "Safety distance: %d cm\n", cfg.Robot.SafetyDistanceCm)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	if entries, err := os.ReadDir(cfg.Audio.SoundsDir); err != nil {
		fmt.Fprintln(out, "Sounds: not found (run 'rovermind onboard')")
	} else {
		fmt.Fprintf(out, "Sounds: %d files\n", len(entries))
	}

	if data, err := os.ReadFile(cfg.Robot.MemoryFile); err == nil && len(data) > 0 {
		fmt.Fprintf(out, "Memory: %d bytes\n", len(data))
	} else {
		fmt.Fprintln(out, "Memory: empty")
	}

	switch {
	case !cfg.Journal.Enabled:
		fmt.Fprintln(out, "Journal: disabled")
	case !fileExists(cfg.Journal.DBPath):
		fmt.Fprintln(out, "Journal: empty")
	default:
		j, err := journal.Open(cfg.Journal.DBPath)
		if err != nil {
			fmt.Fprintf(out, "Journal: error (%v)\n", err)
			break
		}
		total, vetoed, err := j.Counts()
		j.Close()
		if err != nil {
			fmt.Fprintf(out, "Journal: error (%v)\n", err)
			break
		}
		fmt.Fprintf(out, "Journal: %d ticks, %d vetoed\n", total, vetoed)
	}
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled")
	}
	if !fileExists(cfg.Journal.DBPath) {
		fmt.Fprintln(cmd.OutOrStdout(), "no ticks")
		return nil
	}
	j, err := journal.Open(cfg.Journal.DBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	var entries []journal.Entry
	if len(args) > 0 {
		entries, err = j.Search(strings.Join(args, " "), limitFlag)
	} else {
		entries, err = j.Recent(limitFlag)
	}
	if err != nil {
		return err
	}
	printEntries(cmd.OutOrStdout(), entries)
	return nil
}

func printEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no ticks")
		return
	}
	for _, e := range entries {
		cmd := e.Command
		switch {
		case e.Vetoed:
			cmd = "vetoed " + cmd
		case cmd == "":
			cmd = "no-op"
		}
		line := fmt.Sprintf("%s  %5.0fcm  %-24s %s", e.At.Local().Format("2006-01-02 15:04:05"), e.Distance, cmd, e.Model)
		if e.Error != "" {
			line += "  error: " + e.Error
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func providerDisplay(p string) string {
	if p == "" {
		return config.DefaultProvider + " (default)"
	}
	return p
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const defaultSafetySkill = `---
name: safety
description: house rules applied on every tick
---
- Prefer turning in place over backing up when the way ahead is blocked.
- Stop and speak if a person is very close to the camera.
- Keep speed at 30 or below near furniture, pets and stairs.
`
