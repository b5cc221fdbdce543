package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

type StorageConfigure struct {
	Dir            string `yaml:"dir,omitempty"`
	SpoolThreshold int64  `yaml:"spool-threshold,omitempty"`
}

type DispatchConfigure struct {
	QueueSize uint `yaml:"queue-size,omitempty"`
}

type LimitConfigure struct {
	MaxHeaderBytes uint32  `yaml:"max-header-bytes,omitempty"`
	MaxFileBytes   int64   `yaml:"max-file-bytes,omitempty"`
	FrameRate      float64 `yaml:"frame-rate,omitempty"`
}

type RedisConfigure struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type ManageConfigure struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

type ServerConfigure struct {
	Bind     string `yaml:"bind,omitempty"`
	LogLevel uint   `yaml:"log-level,omitempty"`

	Storage  StorageConfigure  `yaml:"storage,omitempty"`
	Dispatch DispatchConfigure `yaml:"dispatch,omitempty"`
	Limits   LimitConfigure    `yaml:"limits,omitempty"`
	Redis    RedisConfigure    `yaml:"redis,omitempty"`
	Manage   ManageConfigure   `yaml:"manage,omitempty"`
}

// Default returns the configuration used when no file and no flags are given.
func Default() *ServerConfigure {
	return &ServerConfigure{
		Bind:     ":9009",
		LogLevel: 2,
		Storage: StorageConfigure{
			Dir:            "parley-data",
			SpoolThreshold: 0,
		},
		Dispatch: DispatchConfigure{
			QueueSize: 1024,
		},
		Limits: LimitConfigure{
			MaxHeaderBytes: 1 << 20,
			MaxFileBytes:   64 << 20,
			FrameRate:      0,
		},
		Redis: RedisConfigure{
			Prefix: "parley.",
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*ServerConfigure, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configure file: %w", err)
	}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse configure file: %w", err)
	}
	return cfg, nil
}
