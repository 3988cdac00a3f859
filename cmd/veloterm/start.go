package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/veloterm/internal/ble/goble"
	"github.com/srg/veloterm/internal/config"
	"github.com/srg/veloterm/internal/controller"
	"github.com/srg/veloterm/internal/groutine"
	"github.com/srg/veloterm/internal/metrics"
	"github.com/srg/veloterm/internal/recorder"
	"github.com/srg/veloterm/internal/web"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect configured sensors and stream telemetry",
	Long: `Connects every device in the config file, waiting for stragglers in
listening mode, then streams normalized metrics to the terminal and the
web dashboard until interrupted. A device that never shows up degrades
the ride; it does not abort it.`,
	RunE: runStart,
}

var (
	startConfig  string
	startTimeout time.Duration
	startAddr    string
	startNoWeb   bool
)

func init() {
	startCmd.Flags().StringVarP(&startConfig, "config", "c", "", "Config file path (default ~/.config/veloterm/config.yaml)")
	startCmd.Flags().DurationVarP(&startTimeout, "timeout", "t", 60*time.Second, "How long to wait for all devices (0 for one attempt)")
	startCmd.Flags().StringVar(&startAddr, "web-addr", ":8080", "Dashboard listen address")
	startCmd.Flags().BoolVar(&startNoWeb, "no-web", false, "Disable the web dashboard")
	startCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := config.Load(startConfig)
	if err != nil {
		return fmt.Errorf("no usable config (run 'veloterm scan --save' first): %w", err)
	}
	devices, err := cfg.ControllerDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("config lists no devices")
	}

	cmd.SilenceUsage = true

	gateway, err := goble.NewGateway(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer gateway.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buffer := metrics.NewBuffer(nil)
	ctrl := controller.New(gateway, logger, buffer, controller.Config{
		Devices:  toControllerDevices(devices),
		OnStatus: func(msg string) { color.New(color.FgCyan).Println(msg) },
	})

	active, err := ctrl.Listen(ctx, startTimeout)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if active == 0 {
		return fmt.Errorf("no devices connected")
	}
	if err != nil {
		color.New(color.FgYellow).Printf("Starting with %d of %d devices\n", active, len(devices))
	}

	ctrl.Run(ctx)
	defer ctrl.Shutdown(context.Background())

	rec := recorder.New(logger, buffer, nil)
	rec.Run(ctx)

	if !startNoWeb {
		webOpts := web.DefaultOptions()
		webOpts.Addr = startAddr
		server := web.NewServer(logger, buffer, cfg.Display, ctrl.Connected, webOpts)
		groutine.Go(ctx, "dashboard", func(ctx context.Context) {
			if err := server.Run(ctx); err != nil {
				logger.WithField("error", err).Error("Dashboard server failed")
			}
		})
		color.New(color.FgGreen).Printf("Dashboard at http://localhost%s\n", startAddr)
	}

	displayLoop(ctx, ctrl, buffer)
	fmt.Println("\nRide over.")
	return nil
}

func toControllerDevices(in []config.ControllerDevice) []controller.Device {
	out := make([]controller.Device, len(in))
	for i, d := range in {
		out[i] = controller.Device{Class: d.Class, Name: d.Name, Addr: d.Addr, Allowed: d.Allowed}
	}
	return out
}

// displayLoop prints one status line per second until interrupted.
func displayLoop(ctx context.Context, ctrl *controller.Controller, buffer *metrics.Buffer) {
	bold := color.New(color.Bold)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Printf("\r\033[K%s", formatSnapshot(ctrl, buffer, bold))
		case <-ctx.Done():
			return
		}
	}
}

func formatSnapshot(ctrl *controller.Controller, buffer *metrics.Buffer, bold *color.Color) string {
	snapshot := buffer.Snapshot()
	kinds := ctrl.AvailableMetrics()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	parts := make([]string, 0, len(kinds)+1)
	active, total := ctrl.Connected()
	parts = append(parts, fmt.Sprintf("[%d/%d]", active, total))
	for _, kind := range kinds {
		value, ok := snapshot[kind]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s",
			kind.DisplayName(), bold.Sprintf("%g", value), kind.Unit()))
	}
	return strings.Join(parts, "  ")
}
