package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/veloterm/internal/ble/goble"
	"github.com/srg/veloterm/internal/config"
	"github.com/srg/veloterm/internal/discovery"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for cycling sensors",
	Long: `Scan for nearby Bluetooth Low Energy devices and classify the ones this
tool can drive: heart-rate straps, smart trainers, and speed/cadence
sensors.

With --save, the strongest device of each class is written to the config
file as a starting configuration for the start command.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
	scanSave     bool
	scanConfig   string
	scanBlock    []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show unclassified devices too")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "Write a config from the scan results")
	scanCmd.Flags().StringVarP(&scanConfig, "config", "c", "", "Config file path (default ~/.config/veloterm/config.yaml)")
	scanCmd.Flags().StringSliceVar(&scanBlock, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	gateway, err := goble.NewGateway(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer gateway.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := discovery.DefaultOptions()
	opts.Duration = scanDuration
	opts.ClassifiedOnly = !scanAll
	opts.BlockList = scanBlock

	scanner := discovery.NewScanner(gateway, logger)
	fmt.Printf("Scanning for %s...\n", scanDuration)
	devices, err := scanner.Scan(ctx, opts, nil)
	if err != nil {
		return err
	}

	if err := printScanResults(devices); err != nil {
		return err
	}

	if scanSave {
		cfg := config.DefaultFromScan(devices)
		if len(cfg.Devices) == 0 {
			return fmt.Errorf("no usable devices found, nothing to save")
		}
		if err := cfg.Save(scanConfig); err != nil {
			return err
		}
		path := scanConfig
		if path == "" {
			path, _ = config.DefaultPath()
		}
		color.New(color.FgGreen).Printf("Config written to %s\n", path)
	}
	return nil
}

func printScanResults(devices map[string]discovery.Found) error {
	if scanFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(devices)
	}

	sorted := make([]discovery.Found, 0, len(devices))
	for _, dev := range devices {
		sorted = append(sorted, dev)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RSSI > sorted[j].RSSI })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tCLASS\tSERVICES")
	for _, dev := range sorted {
		class := "-"
		if dev.Classified {
			class = dev.Class.String()
		}
		name := dev.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			name, dev.Address, dev.RSSI, class, strings.Join(shortServices(dev.Services), ","))
	}
	return w.Flush()
}

// shortServices trims base-UUID services to their 16-bit form for display.
func shortServices(services []string) []string {
	out := make([]string, 0, len(services))
	for _, svc := range services {
		s := strings.ToLower(strings.ReplaceAll(svc, "-", ""))
		if len(s) == 32 && strings.HasSuffix(s, "00001000800000805f9b34fb") {
			s = s[4:8]
		}
		out = append(out, s)
	}
	return out
}
