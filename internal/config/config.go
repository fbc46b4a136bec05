package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fixed transport defaults, used when neither flags, the config file nor
// JMRI name a broker.
const (
	DefaultBroker = "192.168.68.250"
	DefaultPort   = 1883
	DefaultPrefix = "/cova/speed-cal"
)

// DefaultPath is the config file the binaries look for.
const DefaultPath = "calibration.conf"

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	TopicPrefix  string
	JMRIDir      string

	// Storage
	DBPath    string
	OutputDir string

	// Track geometry
	ScaleFactor     float64
	SensorSpacingMM float64

	// Sweep
	MinStep   int
	MaxStep   int
	StepInc   int
	SettleMS  int
	Passes    int
	LowPasses int
	LowRange  int

	// Timeouts, milliseconds
	MeasureTimeoutMS int
	AudioTimeoutMS   int
	AcquireTimeoutMS int
	CVTimeoutMS      int

	// Dashboard
	DashboardAddr string

	set map[string]bool
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the built-in settings. Transport fields are left to
// resolution; see IsSet.
func Default() *Config {
	return &Config{
		MQTTBroker:       DefaultBroker,
		MQTTPort:         DefaultPort,
		MQTTClientID:     "speed-cal",
		TopicPrefix:      DefaultPrefix,
		DBPath:           "calibration-data/calibration.db",
		OutputDir:        "calibration-data",
		ScaleFactor:      87.1,
		SensorSpacingMM:  100,
		MinStep:          1,
		MaxStep:          126,
		StepInc:          1,
		SettleMS:         5000,
		Passes:           1,
		LowPasses:        3,
		LowRange:         5,
		MeasureTimeoutMS: 90000,
		AudioTimeoutMS:   5000,
		AcquireTimeoutMS: 35000,
		CVTimeoutMS:      30000,
		DashboardAddr:    ":8080",
		set:              map[string]bool{},
	}
}

// Load reads the configuration file over the defaults.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
		cfg.set[key] = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// IsSet reports whether key was given in the config file.
func (c *Config) IsSet(key string) bool {
	return c.set[key]
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_PORT":
		c.MQTTPort, err = intIn(key, value, 1, 65535)
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_PREFIX":
		c.TopicPrefix = strings.TrimRight(value, "/")
	case "JMRI_DIR":
		c.JMRIDir = value

	// Storage
	case "DB_PATH":
		c.DBPath = value
	case "OUTPUT_DIR":
		c.OutputDir = value

	// Track geometry
	case "SCALE_FACTOR":
		c.ScaleFactor, err = positiveFloat(key, value)
	case "SENSOR_SPACING_MM":
		c.SensorSpacingMM, err = positiveFloat(key, value)

	// Sweep
	case "MIN_STEP":
		c.MinStep, err = intIn(key, value, 1, 126)
	case "MAX_STEP":
		c.MaxStep, err = intIn(key, value, 1, 126)
	case "STEP_INC":
		c.StepInc, err = intIn(key, value, 1, 126)
	case "SETTLE_MS":
		c.SettleMS, err = intIn(key, value, 0, 600000)
	case "PASSES":
		c.Passes, err = intIn(key, value, 1, 100)
	case "LOW_PASSES":
		c.LowPasses, err = intIn(key, value, 1, 100)
	case "LOW_RANGE":
		c.LowRange, err = intIn(key, value, 0, 126)

	// Timeouts
	case "MEASURE_TIMEOUT_MS":
		c.MeasureTimeoutMS, err = intIn(key, value, 1, 3600000)
	case "AUDIO_TIMEOUT_MS":
		c.AudioTimeoutMS, err = intIn(key, value, 1, 3600000)
	case "ACQUIRE_TIMEOUT_MS":
		c.AcquireTimeoutMS, err = intIn(key, value, 1, 3600000)
	case "CV_TIMEOUT_MS":
		c.CVTimeoutMS, err = intIn(key, value, 1, 3600000)

	// Dashboard
	case "DASHBOARD_ADDR":
		c.DashboardAddr = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func intIn(key, value string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, lo, hi, v)
	}
	return v, nil
}

func positiveFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, v)
	}
	return v, nil
}

// validate checks fields that depend on each other.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER must not be empty")
	}
	if c.MinStep > c.MaxStep {
		return fmt.Errorf("MIN_STEP (%d) must not exceed MAX_STEP (%d)", c.MinStep, c.MaxStep)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) Settle() time.Duration         { return ms(c.SettleMS) }
func (c *Config) MeasureTimeout() time.Duration { return ms(c.MeasureTimeoutMS) }
func (c *Config) AudioTimeout() time.Duration   { return ms(c.AudioTimeoutMS) }
func (c *Config) AcquireTimeout() time.Duration { return ms(c.AcquireTimeoutMS) }
func (c *Config) CVTimeout() time.Duration      { return ms(c.CVTimeoutMS) }

// InitGlobal initializes the global configuration from file. A missing
// file leaves the defaults in place. Only the first call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = LoadOrDefault(configPath)
	})
	return err
}

// Get returns the global configuration, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
