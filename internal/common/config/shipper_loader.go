package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

// LoadShipperConfig loads, validates and defaults shipper configuration from a YAML file.
func LoadShipperConfig(path string, logger *zap.Logger) (*configtypes.ShipperConfig, error) {
	logger.Info("Loading shipper configuration", zap.String("path", path))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseShipperConfig(data)
	if err != nil {
		return nil, err
	}

	logger.Info("Shipper configuration loaded successfully",
		zap.String("endpoint", cfg.Delivery.Endpoint),
		zap.Int("bulk_size", cfg.Delivery.BulkSize),
		zap.String("schedule_mode", string(cfg.Schedule.Mode)),
		zap.String("store_backend", cfg.Store.Backend))

	return cfg, nil
}

// ParseShipperConfig decodes YAML bytes with unknown fields rejected.
func ParseShipperConfig(data []byte) (*configtypes.ShipperConfig, error) {
	var cfg configtypes.ShipperConfig
	if err := unmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func unmarshalStrict(data []byte, v interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(v); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}
	return nil
}
