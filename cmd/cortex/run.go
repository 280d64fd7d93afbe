package main

import (
	"context"
	"time"

	"github.com/MrCodeEU/cortex/pkg/actuation"
	"github.com/MrCodeEU/cortex/pkg/api"
	"github.com/MrCodeEU/cortex/pkg/camera"
	"github.com/MrCodeEU/cortex/pkg/camera/gocvdevice"
	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/MrCodeEU/cortex/pkg/storage"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capture, recognition, actuation and the query API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(ctx context.Context) error {
	model, err := newModel()
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	store := storage.New(cfg.Enrollment.Dir, model)
	if err := store.Reload(); err != nil {
		return err
	}

	cache := pipeline.NewResultCache()
	bus := pipeline.NewBus()
	defer bus.Close()

	matcher := recognition.NewMatcher(cfg.Recognition.EffectiveTolerance())
	worker := pipeline.NewWorker(model, store, matcher, cfg.Recognition.Scale, cache, bus)

	device := gocvdevice.New(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	source := camera.NewSource(device, cfg.Camera.FrameInterval(), func(f camera.Frame) {
		worker.Offer(f)
	})

	gate := actuation.NewGate(
		actuation.NewHTTPActuator(cfg.Actuation.Path, cfg.Actuation.TimeoutDuration()),
		actuation.Options{
			Enabled:  cfg.Actuation.Enabled,
			Target:   cfg.Actuation.Target,
			Cooldown: cfg.Actuation.CooldownDuration(),
			Timeout:  cfg.Actuation.TimeoutDuration(),
		},
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	worker.Start(runCtx)
	gateDone := make(chan struct{})
	go func() {
		defer close(gateDone)
		gate.Run(runCtx, bus.Subscribe(16))
	}()

	if err := source.Start(runCtx); err != nil {
		cancel()
		worker.Wait()
		<-gateDone
		return err
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		server = api.NewServer(pipeline.NewService(store, source, worker, gate), cfg.Server.Listen)
		go func() { serverErr <- server.Start() }()
	}

	logging.Infof("Cortex running (model %s, tolerance %.3f, actuation enabled: %t)",
		model.Name(), cfg.Recognition.EffectiveTolerance(), cfg.Actuation.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("Shutting down")
	case runErr = <-serverErr:
	}

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.WithError(err).Warnf("API shutdown incomplete")
		}
		stop()
	}

	source.Stop()
	cancel()
	worker.Wait()
	<-gateDone
	gate.Wait()

	stats := worker.Stats()
	logging.Infof("Processed %d frames, dropped %d", stats.Processed, stats.Dropped)
	return runErr
}
