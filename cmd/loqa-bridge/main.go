package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/control"
	"github.com/loqalabs/loqa-bridge/internal/coordinator"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/runtime"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0-dev"
	configPath string
	apiAddr    string

	sourceLanguage string
	targetLanguage string
	voice          string
)

var rootCmd = &cobra.Command{
	Use:   "loqa-bridge",
	Short: "Loqa system audio bridge",
	Long: `loqa-bridge redirects the default audio devices to a virtual cable and
forwards audio between the cable and the physical microphone and speakers,
so a translation stage can sit between every application and the user.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loqa-bridge v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd.Context(), protocol.OpStatus, protocol.ControlRequest{})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable universal mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd.Context(), protocol.OpEnable, protocol.ControlRequest{})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable universal mode and restore the default devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd.Context(), protocol.OpDisable, protocol.ControlRequest{})
	},
}

var processingCmd = &cobra.Command{
	Use:   "processing",
	Short: "Control the translation stage",
}

var processingStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start translating while universal mode is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd.Context(), protocol.OpProcessingStart, protocol.ControlRequest{
			SourceLanguage: sourceLanguage,
			TargetLanguage: targetLanguage,
			Voice:          voice,
		})
	},
}

var processingStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop translating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd.Context(), protocol.OpProcessingStop, protocol.ControlRequest{})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults and LOQA_* environment when empty)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "control API address of a running bridge (default from config)")

	processingStartCmd.Flags().StringVar(&sourceLanguage, "from", "", "source language (default from config)")
	processingStartCmd.Flags().StringVar(&targetLanguage, "to", "", "target language (default from config)")
	processingStartCmd.Flags().StringVar(&voice, "voice", "", "synthesis voice (default from config)")
	processingCmd.AddCommand(processingStartCmd, processingStopCmd)

	rootCmd.AddCommand(runCmd, versionCmd, statusCmd, enableCmd, disableCmd, processingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runDaemon() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Telemetry.LogLevel).With(slog.String("runtime", cfg.RuntimeName))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	rt.Wait()
	logger.Info("shutdown complete")
	return nil
}

func controlAddr() (string, error) {
	if apiAddr != "" {
		return apiAddr, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	host := cfg.HTTP.Bind
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.HTTP.Port), nil
}

func callDaemon(ctx context.Context, op string, req protocol.ControlRequest) error {
	addr, err := controlAddr()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	reply, err := control.NewClient(addr).Do(ctx, op, req)
	if err != nil {
		return fmt.Errorf("bridge at %s: %w", addr, err)
	}
	printStatus(reply.Status)
	if !reply.OK {
		return fmt.Errorf("%s failed (%s): %s", op, reply.Code, reply.Error)
	}
	return nil
}

func printStatus(raw json.RawMessage) {
	var st coordinator.Status
	if len(raw) == 0 || json.Unmarshal(raw, &st) != nil {
		return
	}
	fmt.Printf("State:      %s (since %s)\n", st.State, st.Since.Local().Format(time.TimeOnly))
	fmt.Printf("Routing:    %t\n", st.Routing)
	fmt.Printf("Processing: %t\n", st.Processing)
	if st.Cable != nil {
		fmt.Printf("Cable:      %s / %s (rule %s)\n", st.Cable.Capture, st.Cable.Render, st.Cable.Rule)
		fmt.Printf("Physical:   %s / %s\n", st.Cable.PhysicalMic, st.Cable.PhysicalOutput)
	}
	for _, s := range st.Sessions {
		line := fmt.Sprintf("  %-7s %s -> %s  %s  buffered %d/%d  dropped %d  underruns %d",
			s.Direction, s.Source, s.Sink, s.Status, s.Buffered, s.Capacity, s.Dropped, s.Underruns)
		if s.Error != "" {
			line += "  error: " + s.Error
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
}
