package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rizkyandriawan/monostream/internal/config"
	"github.com/rizkyandriawan/monostream/internal/engine"
	"github.com/rizkyandriawan/monostream/internal/generator"
	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/metrics"
	"github.com/rizkyandriawan/monostream/internal/processor"
	"github.com/rizkyandriawan/monostream/internal/producer"
	"github.com/rizkyandriawan/monostream/internal/server"
	"github.com/rizkyandriawan/monostream/internal/store"
)

var (
	version = "0.1.0"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "monostream",
	Short: "monostream - in-process partitioned pub/sub broker with stream processors",
	Long: `monostream runs a single-process message broker: keyed records are routed
to topic partitions, consumers poll them destructively, and processors chain
topics together. A small HTTP dashboard exposes stats, generators and metrics.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker, processors and HTTP dashboard",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("monostream %s (%s)\n", version, commit)
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the topics serve would create from the current config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		for _, t := range cfg.Topics {
			fmt.Printf("%-24s partitions=%d\n", t.Name, t.Partitions)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(topicsCmd)

	topicsCmd.Flags().StringP("config", "c", "", "Path to config file (YAML)")

	serveCmd.Flags().StringP("config", "c", "", "Path to config file (YAML)")
	serveCmd.Flags().String("http-addr", ":5000", "HTTP API listen address")
	serveCmd.Flags().String("storage", "memory", "Log store backend: memory, badger or sqlite")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().String("log-format", "text", "Log format: text or json")
	serveCmd.Flags().Bool("no-processor", false, "Do not start the event_aggregator processor")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies precedence: flags > env > file > defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("http-addr") {
		cfg.Server.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("storage") {
		cfg.Storage.Backend, _ = flags.GetString("storage")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if off, _ := flags.GetBool("no-processor"); off {
		cfg.Processors.EventAggregator.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	logStore, err := store.Open(cfg.Storage.Backend)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	logger.WithField("backend", cfg.Storage.Backend).Info("log store ready")

	opts := []engine.Option{engine.WithLogger(logger)}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts = append(opts, engine.WithMetrics(m))
	}

	broker := engine.New(cfg, logStore, opts...)
	broker.Start()
	defer broker.Close()

	for _, t := range cfg.Topics {
		if err := broker.CreateTopic(t.Name, t.Partitions); err != nil {
			return err
		}
	}

	pipeline := processor.NewPipeline(broker,
		processor.WithLogger(logger),
		processor.WithMetrics(m),
		processor.WithPollInterval(cfg.Broker.PollInterval),
	)
	defer pipeline.StopAll()

	if agg := cfg.Processors.EventAggregator; agg.Enabled {
		if err := pipeline.AddProcessor("event_aggregator", agg.Input, agg.Output, processor.EventScore); err != nil {
			return err
		}
	}

	generators := generator.NewManager(
		producer.New(broker, producer.WithLogger(logger)),
		generator.WithDelayScale(cfg.Generators.DelayScale),
		generator.WithLogger(logger),
	)
	defer generators.StopAll()

	httpSrv := server.NewHTTPServer(cfg, broker, pipeline, generators, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"http_addr": cfg.Server.HTTPAddr,
		"topics":    len(cfg.Topics),
	}).Info("monostream started")

	return g.Wait()
}
