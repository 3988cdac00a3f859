// Package config loads and saves the YAML ride configuration: which
// devices to connect and which metrics to display from which device.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/srg/veloterm/internal/discovery"
	"github.com/srg/veloterm/internal/metrics"
	"github.com/srg/veloterm/internal/session"
)

// Device is one configured peripheral.
type Device struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	Services []string `yaml:"services,omitempty"`
}

// Metric is one display slot: which metric to show and which device and
// service it is sourced from.
type Metric struct {
	Name    string `yaml:"name"`
	Device  string `yaml:"device"`
	Service string `yaml:"service,omitempty"`
	Metric  string `yaml:"metric"`
	Color   string `yaml:"color,omitempty"`
	Unit    string `yaml:"unit,omitempty"`
}

// Config is the full persisted configuration.
type Config struct {
	Devices []Device `yaml:"devices"`
	Display []Metric `yaml:"display_metrics"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "veloterm", "config.yaml"), nil
}

// Load reads and parses the config at path. Pass "" for the default path.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
// Pass "" for the default path.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// classKey names the device slot each class occupies in the config.
func classKey(class session.Class) string {
	switch class {
	case session.ClassHeartRate:
		return "heart_rate"
	case session.ClassTrainer:
		return "trainer"
	case session.ClassSpeedCadence:
		return "speed_cadence"
	default:
		return "unknown"
	}
}

// classMetrics lists the display metrics a device class contributes by
// default.
func classMetrics(class session.Class) []metrics.Kind {
	switch class {
	case session.ClassHeartRate:
		return []metrics.Kind{metrics.HeartRate}
	case session.ClassTrainer:
		return []metrics.Kind{metrics.Power, metrics.Speed}
	case session.ClassSpeedCadence:
		return []metrics.Kind{metrics.Cadence}
	default:
		return nil
	}
}

var classColors = map[session.Class]string{
	session.ClassHeartRate:    "red",
	session.ClassTrainer:      "yellow",
	session.ClassSpeedCadence: "cyan",
}

// DefaultFromScan builds a starter config from classified scan results:
// one device entry per class and one display slot per metric the class
// contributes. The trainer intentionally does not claim cadence when a
// dedicated cadence sensor was found.
func DefaultFromScan(devices map[string]discovery.Found) *Config {
	cfg := &Config{}
	picked := discovery.Classified(devices)

	haveCadenceSensor := false
	for _, dev := range picked {
		if dev.Class == session.ClassSpeedCadence {
			haveCadenceSensor = true
		}
	}

	for _, dev := range picked {
		name := dev.Name
		if name == "" {
			// Nameless advertisements still need a stable config handle.
			name = classKey(dev.Class)
		}
		cfg.Devices = append(cfg.Devices, Device{
			Name:     name,
			Address:  dev.Address,
			Services: dev.Services,
		})
		kinds := classMetrics(dev.Class)
		if dev.Class == session.ClassTrainer && !haveCadenceSensor {
			kinds = append(kinds, metrics.Cadence)
		}
		for _, kind := range kinds {
			cfg.Display = append(cfg.Display, Metric{
				Name:   kind.DisplayName(),
				Device: name,
				Metric: kind.String(),
				Color:  classColors[dev.Class],
				Unit:   kind.Unit(),
			})
		}
	}
	return cfg
}

// ControllerDevices converts the config into controller device entries,
// deriving each device's class from its advertised services or name and
// its allowed metric kinds from the display slots that reference it. A
// device with no display slot gets no restriction.
func (c *Config) ControllerDevices() ([]ControllerDevice, error) {
	byDevice := make(map[string][]metrics.Kind)
	for _, m := range c.Display {
		kind, ok := metrics.KindFromName(m.Metric)
		if !ok {
			return nil, fmt.Errorf("unknown metric %q in display config", m.Metric)
		}
		byDevice[m.Device] = append(byDevice[m.Device], kind)
	}

	out := make([]ControllerDevice, 0, len(c.Devices))
	for _, dev := range c.Devices {
		class, ok := session.Classify(dev.Name, dev.Services)
		if !ok {
			return nil, fmt.Errorf("cannot determine device class for %q", dev.Name)
		}
		out = append(out, ControllerDevice{
			Class:   class,
			Name:    dev.Name,
			Addr:    dev.Address,
			Allowed: byDevice[dev.Name],
		})
	}
	return out, nil
}

// ControllerDevice mirrors the controller's device entry without importing
// the controller package.
type ControllerDevice struct {
	Class   session.Class
	Name    string
	Addr    string
	Allowed []metrics.Kind
}
