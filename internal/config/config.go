// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nrecorder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do nrecorder.
type Config struct {
	Acquisition AcquisitionInfo `yaml:"acquisition"`
	Control     ControlInfo     `yaml:"control"`
	Storage     StorageInfo     `yaml:"storage"`
	Logging     LoggingInfo     `yaml:"logging"`
	Schedules   []ScheduleEntry `yaml:"schedules"`
	Upload      UploadInfo      `yaml:"upload"`
	Simulation  SimulationInfo  `yaml:"simulation"`
}

// AcquisitionInfo contém os parâmetros do pipeline de aquisição.
type AcquisitionInfo struct {
	BufferSeconds     int           `yaml:"buffer_seconds"`      // default: 360
	MaxSamplesPerPull int           `yaml:"max_samples_per_pull"` // default: 500
	PullTimeout       time.Duration `yaml:"pull_timeout"`        // default: 200ms
	ClockSyncInterval time.Duration `yaml:"clock_sync_interval"` // default: 5s
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`   // default: 2s
	StopTimeout       time.Duration `yaml:"stop_timeout"`        // default: 5s
}

// ControlInfo configura o servidor de controle TCP.
type ControlInfo struct {
	BindAddress string `yaml:"bind_address"` // default: "127.0.0.1"
	Port        int    `yaml:"port"`         // default: 22345

	// Enabled: nil (campo ausente no YAML) → habilitado.
	Enabled *bool `yaml:"enabled"`
}

// Addr retorna o endereço host:port do servidor de controle.
func (c ControlInfo) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// IsEnabled resolve o default-true do campo Enabled.
func (c ControlInfo) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StorageInfo configura o destino dos arquivos gravados.
type StorageInfo struct {
	Root string `yaml:"root"` // default: "."

	// MaxWriteRate limita a banda de escrita em disco. Aceita sufixos kb, mb,
	// gb (por segundo). Vazio ou "0" desabilita o throttle.
	MaxWriteRate    string `yaml:"max_write_rate"`
	MaxWriteRateRaw int64  `yaml:"-"`
}

// LoggingInfo configura o logging global e os logs por sessão.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
	File   string `yaml:"file"`   // vazio = somente stdout

	// SessionLogDir habilita um arquivo de log dedicado por sessão de
	// gravação. Vazio desabilita.
	SessionLogDir string `yaml:"session_log_dir"`

	// SessionLogArchive comprime o log da sessão no encerramento.
	// none|gzip|zst (default: none).
	SessionLogArchive string `yaml:"session_log_archive"`
}

// ScheduleEntry é uma sessão de gravação agendada por cron expression.
type ScheduleEntry struct {
	Name     string        `yaml:"name"`
	Cron     string        `yaml:"cron"`
	Duration time.Duration `yaml:"duration"`
	Filename string        `yaml:"filename"`

	// Select escolhe os streams: "all" ou uids separados por espaço.
	Select string `yaml:"select"` // default: "all"
}

// UploadInfo configura o envio do arquivo finalizado para S3.
type UploadInfo struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // compatível com MinIO/path-style
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SimulationInfo define os streams sintéticos do modo --sim.
type SimulationInfo struct {
	Streams []SimStreamInfo `yaml:"streams"`
}

// SimStreamInfo descreve um stream sintético.
type SimStreamInfo struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Channels int     `yaml:"channels"`
	Format   string  `yaml:"format"` // float32|double64|int8|int16|int32|int64|string
	Srate    float64 `yaml:"srate"`  // 0 = irregular
}

// LoadConfig lê e valida o arquivo YAML de configuração.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig retorna a configuração com todos os defaults aplicados,
// para execução sem arquivo de configuração.
func DefaultConfig() *Config {
	cfg := &Config{}
	// validate() só falha em valores explícitos inválidos; zero values viram
	// defaults.
	_ = cfg.validate()
	return cfg
}

func (c *Config) validate() error {
	if c.Acquisition.BufferSeconds == 0 {
		c.Acquisition.BufferSeconds = 360
	}
	if c.Acquisition.BufferSeconds < 0 {
		return fmt.Errorf("acquisition.buffer_seconds must be > 0, got %d", c.Acquisition.BufferSeconds)
	}
	if c.Acquisition.MaxSamplesPerPull == 0 {
		c.Acquisition.MaxSamplesPerPull = 500
	}
	if c.Acquisition.MaxSamplesPerPull < 0 {
		return fmt.Errorf("acquisition.max_samples_per_pull must be > 0, got %d", c.Acquisition.MaxSamplesPerPull)
	}
	if c.Acquisition.PullTimeout <= 0 {
		c.Acquisition.PullTimeout = 200 * time.Millisecond
	}
	if c.Acquisition.ClockSyncInterval <= 0 {
		c.Acquisition.ClockSyncInterval = 5 * time.Second
	}
	if c.Acquisition.DiscoveryTimeout <= 0 {
		c.Acquisition.DiscoveryTimeout = 2 * time.Second
	}
	if c.Acquisition.StopTimeout <= 0 {
		c.Acquisition.StopTimeout = 5 * time.Second
	}

	if c.Control.BindAddress == "" {
		c.Control.BindAddress = "127.0.0.1"
	}
	if c.Control.Port == 0 {
		c.Control.Port = 22345
	}
	if c.Control.Port < 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port must be between 1 and 65535, got %d", c.Control.Port)
	}

	if c.Storage.Root == "" {
		c.Storage.Root = "."
	}
	if c.Storage.MaxWriteRate == "" || c.Storage.MaxWriteRate == "0" {
		c.Storage.MaxWriteRateRaw = 0
	} else {
		parsed, err := ParseByteSize(c.Storage.MaxWriteRate)
		if err != nil {
			return fmt.Errorf("storage.max_write_rate: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("storage.max_write_rate must be > 0 or \"0\" to disable, got %s", c.Storage.MaxWriteRate)
		}
		c.Storage.MaxWriteRateRaw = parsed
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.SessionLogArchive == "" {
		c.Logging.SessionLogArchive = "none"
	}
	c.Logging.SessionLogArchive = strings.ToLower(strings.TrimSpace(c.Logging.SessionLogArchive))
	switch c.Logging.SessionLogArchive {
	case "none", "gzip", "zst":
	default:
		return fmt.Errorf("logging.session_log_archive must be none, gzip or zst, got %q", c.Logging.SessionLogArchive)
	}

	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedules[%d].cron is required", i)
		}
		if s.Duration <= 0 {
			return fmt.Errorf("schedules[%d].duration is required", i)
		}
		if s.Filename == "" {
			return fmt.Errorf("schedules[%d].filename is required", i)
		}
		if s.Select == "" {
			s.Select = "all"
		}
		c.Schedules[i] = s
	}

	if c.Upload.Enabled {
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket is required when upload is enabled")
		}
		if c.Upload.Region == "" && c.Upload.Endpoint == "" {
			return fmt.Errorf("upload.region or upload.endpoint is required when upload is enabled")
		}
		if (c.Upload.AccessKey == "") != (c.Upload.SecretKey == "") {
			return fmt.Errorf("upload.access_key and upload.secret_key must be set together")
		}
	}

	for i, s := range c.Simulation.Streams {
		if s.Name == "" {
			return fmt.Errorf("simulation.streams[%d].name is required", i)
		}
		if s.Format == "" {
			return fmt.Errorf("simulation.streams[%d].format is required", i)
		}
		if s.Channels == 0 {
			s.Channels = 1
			c.Simulation.Streams[i] = s
		}
		if s.Channels < 0 {
			return fmt.Errorf("simulation.streams[%d].channels must be >= 1, got %d", i, s.Channels)
		}
	}

	return nil
}

// ParseByteSize converte strings human-readable como "8mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return value * multiplier, nil
}
