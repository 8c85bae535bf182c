package drift

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FeatureMonitor names one feature to watch, with optional per-feature
// threshold overrides. Only numeric features are supported; drift tests for
// categorical features would need a different statistic (chi-squared) and
// are rejected at load time.
type FeatureMonitor struct {
	Name              string  `yaml:"name" json:"name"`
	Kind              string  `yaml:"kind" json:"kind"`
	SignificanceLevel float64 `yaml:"significance_level,omitempty" json:"significance_level,omitempty"`
	PSIThreshold      float64 `yaml:"psi_threshold,omitempty" json:"psi_threshold,omitempty"`
}

type Monitor struct {
	ModelName string           `yaml:"model" json:"model"`
	Features  []FeatureMonitor `yaml:"features" json:"features"`
}

type MonitorConfig struct {
	Monitors []Monitor `yaml:"monitors" json:"monitors"`
}

// LoadMonitors reads the drift monitor definitions from a YAML file,
// falling back to the defaults when no path is configured.
func LoadMonitors(path string) (MonitorConfig, error) {
	if path == "" {
		return DefaultMonitors(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultMonitors(), err
	}

	var cfg MonitorConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return MonitorConfig{}, err
	}

	if len(cfg.Monitors) == 0 {
		return MonitorConfig{}, errors.New("no drift monitors configured")
	}
	for _, m := range cfg.Monitors {
		for _, f := range m.Features {
			if f.Kind != "" && f.Kind != "numeric" {
				return MonitorConfig{}, fmt.Errorf("unsupported feature kind %q for %s/%s", f.Kind, m.ModelName, f.Name)
			}
		}
	}
	return cfg, nil
}

func DefaultMonitors() MonitorConfig {
	return MonitorConfig{Monitors: []Monitor{
		{
			ModelName: "risk_classifier",
			Features: []FeatureMonitor{
				{Name: "age", Kind: "numeric"},
				{Name: "systolic_bp", Kind: "numeric"},
				{Name: "heart_rate", Kind: "numeric"},
				{Name: "medication_count", Kind: "numeric"},
				{Name: "missed_dose_rate", Kind: "numeric"},
			},
		},
	}}
}

// ForModel returns the monitor for a model, if one is configured.
func (c MonitorConfig) ForModel(modelName string) (Monitor, bool) {
	for _, m := range c.Monitors {
		if m.ModelName == modelName {
			return m, true
		}
	}
	return Monitor{}, false
}
