package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/cortex/pkg/acceleration"
	"github.com/MrCodeEU/cortex/pkg/config"
	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/MrCodeEU/cortex/pkg/recognition/dlib"
	"github.com/MrCodeEU/cortex/pkg/recognition/sface"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Real-time face recognition with a door unlock trigger",
	Long: `Cortex watches a camera, recognises enrolled faces and calls an HTTP
unlock endpoint when a known person is in view. Enrolled faces are plain
images stored under one directory per person.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "cortex v%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// setup loads .env, the config file and CORTEX_* overrides, then initializes logging.
func setup(cmd *cobra.Command, args []string) error {
	// .env file is optional
	_ = godotenv.Load()

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg, err = config.LoadDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
			cfg = config.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("Cortex v%s starting", version)
	logging.Debugf("Config loaded, enrollment dir: %s", cfg.Enrollment.Dir)

	return cfg.EnsureDirectories()
}

// newModel loads the configured recognition backend.
func newModel() (recognition.FaceModel, error) {
	var (
		model recognition.FaceModel
		err   error
	)

	switch cfg.Recognition.Backend {
	case "dlib":
		var m *dlib.Model
		if m, err = dlib.New(cfg.Recognition.ModelPath); err == nil {
			model = m
		}
	default:
		var m *sface.Model
		if m, err = newSFace(); err == nil {
			model = m
		}
	}

	if errors.Is(err, recognition.ErrModelResourceMissing) {
		return nil, fmt.Errorf("%w (run 'cortex download-models' first)", err)
	}
	return model, err
}

func newSFace() (*sface.Model, error) {
	backend, err := acceleration.ParseBackend(cfg.Acceleration.Backend)
	if err != nil {
		return nil, err
	}

	manager := acceleration.NewManager()
	if err := manager.Initialize(acceleration.Config{
		PreferredBackend: backend,
		FallbackToCPU:    cfg.Acceleration.FallbackToCPU,
	}); err != nil {
		return nil, err
	}

	netBackend, netTarget, err := manager.DNNTarget()
	if err != nil {
		return nil, err
	}

	return sface.New(sface.Options{
		ModelPath:      cfg.Recognition.ModelPath,
		ScoreThreshold: cfg.Recognition.DetectionThreshold,
		Backend:        netBackend,
		Target:         netTarget,
	})
}
