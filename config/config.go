// Package config loads master and slave endpoint definitions from a
// YAML file (or environment variables), the way ffutop-modbus-gateway
// loads its gateway definitions.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration document: any number of
// client (master) endpoints and server (slave) endpoints, each
// independently reachable over TCP, UDP or RTU.
type Config struct {
	Clients []ClientEndpoint `mapstructure:"clients"`
	Servers []ServerEndpoint `mapstructure:"servers"`
}

// ClientEndpoint describes one master connection to bring up.
type ClientEndpoint struct {
	Name            string        `mapstructure:"name"`
	URL             string        `mapstructure:"url"`
	UnitID          uint8         `mapstructure:"unit_id"`
	Timeout         time.Duration `mapstructure:"timeout"`
	NumberOfRetries uint          `mapstructure:"number_of_retries"`
	Serial          SerialConfig  `mapstructure:"serial"`
}

// ServerEndpoint describes one slave listener to bring up.
type ServerEndpoint struct {
	Name                 string        `mapstructure:"name"`
	URL                  string        `mapstructure:"url"`
	UnitID               uint8         `mapstructure:"unit_id"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxClients           uint          `mapstructure:"max_clients"`
	AllowedIPs           []string      `mapstructure:"allowed_ips"`
	DisableFunctionCodes []uint8       `mapstructure:"disable_function_codes"`
	Serial               SerialConfig  `mapstructure:"serial"`
}

// SerialConfig carries the RTU-specific parameters used when an
// endpoint's URL uses the rtu:// scheme.
type SerialConfig struct {
	Speed    uint   `mapstructure:"speed"`
	DataBits uint   `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`   // N, E, O, M, S
	StopBits int    `mapstructure:"stop_bits"` // 1, 2 (1.5 as "15")
}

// Load reads configuration from configFile, or from a config.yaml
// found in one of the default search paths if configFile is empty.
// Values may also be supplied through MODBUS_-prefixed environment
// variables, e.g. MODBUS_CLIENTS.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("modbus")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus/")
		v.AddConfigPath("$HOME/.modbus")
		v.AddConfigPath(".")
	}

	v.SetDefault("servers", []map[string]interface{}{})
	v.SetDefault("clients", []map[string]interface{}{})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Clients {
		fixupSerial(&cfg.Clients[i].Serial)
		if cfg.Clients[i].Timeout == 0 {
			cfg.Clients[i].Timeout = time.Second
		}
		if cfg.Clients[i].NumberOfRetries == 0 {
			cfg.Clients[i].NumberOfRetries = 3
		}
	}

	for i := range cfg.Servers {
		fixupSerial(&cfg.Servers[i].Serial)
		if cfg.Servers[i].MaxClients == 0 {
			cfg.Servers[i].MaxClients = 10
		}
	}

	return &cfg, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Speed == 0 {
		s.Speed = 9600
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
}
