package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zangezia/fieldsync/internal/config"
	"github.com/zangezia/fieldsync/internal/logging"
	"github.com/zangezia/fieldsync/internal/web"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	cfgFile   string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline measurement sync agent",
	Long: `FieldSync keeps measurement writes in a durable local queue while the
device is offline and replays them to the farm backend once it is reachable.
It also warms a local cache of the reference data needed to take
measurements offline, and serves status and a live event stream on a local
web interface.`,
	Version:      fmt.Sprintf("%s (built: %s)", Version, BuildTime),
	SilenceUsage: true,
	RunE:         runApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().Int("port", 0, "web server port (overrides config)")
	rootCmd.Flags().String("api", "", "backend base URL (overrides config)")

	rootCmd.AddCommand(checkCmd, statusCmd, syncCmd, warmupCmd, queueCmd, authCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging from it
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	closer, err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		Debug:      debug,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, closer, nil
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Web.Port = port
	}
	if base, _ := cmd.Flags().GetString("api"); base != "" {
		cfg.API.BaseURL = base
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting FieldSync")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	// cancelled before Close so background work ends even on an early error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.recoverQueue(ctx); err != nil {
		return err
	}

	log.Info().Str("database", cfg.Storage.Path).Msg("Local store opened")
	log.Info().Str("backend", cfg.API.BaseURL).Msg("Backend")
	log.Info().Int("parallelism", cfg.Sync.MaxParallelism).Dur("interval", cfg.Sync.Interval).Msg("Sync engine")
	if cfg.File() != "" {
		log.Info().Str("file", cfg.File()).Msg("Config file")
	}

	server := web.NewServer(cfg.Web, web.Deps{
		Queue:   a.queue,
		Engine:  a.engine,
		Loader:  a.loader,
		Sync:    a.sync,
		Warmup:  a.warmup,
		Network: a.network,
		Monitor: a.mon,
		UserID:  func() string { return a.userID(ctx) },
	})
	logging.SetSink(server.Log)
	defer logging.SetSink(nil)

	cfg.Watch(func(next *config.Config) {
		a.engine.SetOptions(engineOptions(next))
		a.queue.SetMaxAttempts(next.Sync.MaxAttempts)
	})

	a.netMon.Start(ctx)
	defer a.netMon.Stop()
	a.engine.Start(ctx)
	defer a.engine.Stop()

	a.goWarmUp(ctx)

	log.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)).
		Msg("Agent is ready")

	if err := server.Start(ctx); err != nil {
		return err
	}
	log.Info().Msg("Shutting down gracefully...")
	return nil
}
