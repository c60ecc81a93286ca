package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creastat/infra/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	pipeline "github.com/voxline/pipeline"
	"github.com/voxline/pipeline/config"
	"github.com/voxline/pipeline/core"
	"github.com/voxline/pipeline/steps"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "voxline",
	Short:        "Streaming speech segmentation over a kyutai recognition engine",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voxline %s\n", version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run [pcm-file]",
	Short: "Stream raw 16-bit PCM audio and print recognized segments",
	Long: `Stream raw little-endian 16-bit mono PCM to the recognition engine and
print segments as they are detected. With no file argument, audio is read
from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		host, _ := cmd.Flags().GetString("host")
		apiKey, _ := cmd.Flags().GetString("api-key")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := loadConfig(configPath, host, apiKey)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var in io.Reader = os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open audio file: %w", err)
			}
			defer f.Close()
			in = f
		}

		return run(ctx, cfg, in, metricsAddr)
	},
}

func loadConfig(path, host, apiKey string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		def := config.Default()
		cfg = &def
	}
	if host != "" {
		cfg.Host = host
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if env := os.Getenv("VOXLINE_API_KEY"); env != "" && cfg.APIKey == "" {
		cfg.APIKey = env
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, metricsAddr string) error {
	logger := telemetry.New(telemetry.Config{Level: cfg.Logging.Level})

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", telemetry.Err(err))
			}
		}()
	}

	asrStep := steps.NewASRStep(steps.ASRStepConfig{
		Config: *cfg,
		Logger: logger,
	})
	sink := steps.NewConsoleSink(os.Stdout, logger)

	p, err := pipeline.NewBuilder("voxline", logger).
		AddStep(asrStep).
		AddStep(sink).
		Connect(asrStep.Name(), sink.Name()).
		Build()
	if err != nil {
		return err
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer p.Stop()

	// Pace chunks at real time so the engine's step cadence stays honest.
	chunkSamples := cfg.FrameSize
	chunk := make([]byte, chunkSamples*2)
	chunkInterval := time.Duration(chunkSamples) * time.Second / time.Duration(cfg.SampleRate)
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(in, chunk)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, chunk[:n])
			if err := p.Send(asrStep.Name(), core.NewData(payload)); err != nil {
				return err
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("read audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	// Give in-flight segments a moment to drain before teardown.
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("host", "", "Recognition engine host (overrides config)")
	runCmd.Flags().String("api-key", "", "API key (overrides config and VOXLINE_API_KEY)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(versionCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
