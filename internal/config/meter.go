package config

import (
	"errors"
)

// MeterConfig describes an energy counter written to InfluxDB by some other
// tool (telegraf, vzlogger, ...). The logger rolls it up into the same
// hourly and daily buckets as the Envoy data.
type MeterConfig struct {
	Name        string              `yaml:"name"`
	Bucket      string              `yaml:"bucket"`
	Measurement string              `yaml:"measurement"`
	Field       string              `yaml:"field"`
	Filters     map[string][]string `yaml:"filters"`
	Scale       float64             `yaml:"scale"`
	SerialTag   string              `yaml:"serial_tag"`
	TypeTag     string              `yaml:"type_tag"`
	Source      string              `yaml:"source"`
}

func (m *MeterConfig) applyDefaults() {
	if m.Scale == 0 {
		m.Scale = 1
	}
	if m.TypeTag == "" {
		m.TypeTag = "_measurement"
	}
	if m.SerialTag == "" {
		m.SerialTag = "host"
	}
}

func (m *MeterConfig) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Bucket == "" {
		return errors.New("bucket is required")
	}
	if m.Measurement == "" {
		return errors.New("measurement is required")
	}
	return nil
}
