package main

import (
	"fmt"
	"runtime"

	"github.com/MrCodeEU/cortex/pkg/acceleration"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmdVersion()
	},
}

func init() {
	rootCmd.AddCommand(configCmd, versionCmd)
}

func cmdConfig() error {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Backend:         %s\n", cfg.Recognition.Backend)
	fmt.Printf("  Tolerance:       %.3f\n", cfg.Recognition.EffectiveTolerance())
	fmt.Printf("  Scale:           %.2f\n", cfg.Recognition.Scale)
	fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Println()
	fmt.Println("[Enrollment]")
	fmt.Printf("  Directory:       %s\n", cfg.Enrollment.Dir)
	fmt.Println()
	fmt.Println("[Actuation]")
	fmt.Printf("  Enabled:         %t\n", cfg.Actuation.Enabled)
	fmt.Printf("  Target:          %s%s\n", cfg.Actuation.Target, cfg.Actuation.Path)
	fmt.Printf("  Cooldown:        %v\n", cfg.Actuation.CooldownDuration())
	fmt.Printf("  Timeout:         %v\n", cfg.Actuation.TimeoutDuration())
	fmt.Println()
	fmt.Println("[Server]")
	fmt.Printf("  Enabled:         %t\n", cfg.Server.Enabled)
	fmt.Printf("  Listen:          %s\n", cfg.Server.Listen)
	fmt.Println()
	fmt.Println("[Acceleration]")
	fmt.Printf("  Backend:         %s\n", cfg.Acceleration.Backend)
	fmt.Printf("  Fallback to CPU: %t\n", cfg.Acceleration.FallbackToCPU)
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)

	return nil
}

func cmdVersion() {
	fmt.Printf("Cortex v%s\n", version)
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  OpenCV:     %s\n", gocv.OpenCVVersion())

	manager := acceleration.NewManager()
	if err := manager.Initialize(acceleration.DefaultConfig()); err != nil {
		return
	}
	fmt.Println()
	fmt.Println("Acceleration:")
	for _, b := range []acceleration.Backend{acceleration.BackendCPU, acceleration.BackendCUDA, acceleration.BackendOpenVINO} {
		info := manager.GetBackendInfo(b)
		if info == nil {
			fmt.Printf("  %-9s not detected\n", b)
			continue
		}
		fmt.Printf("  %-9s %s (%s)\n", b, info.DeviceName, info.Version)
	}
}
