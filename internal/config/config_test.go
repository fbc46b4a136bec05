package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "calibration.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
# rig on the club layout
MQTT_BROKER = 10.0.0.5
MQTT_PORT=1884
TOPIC_PREFIX=/club/speed-cal/
SETTLE_MS=2500
LOW_PASSES=5
SCALE_FACTOR=160
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.MQTTBroker)
	assert.Equal(t, 1884, cfg.MQTTPort)
	assert.Equal(t, "/club/speed-cal", cfg.TopicPrefix)
	assert.Equal(t, 2500*time.Millisecond, cfg.Settle())
	assert.Equal(t, 5, cfg.LowPasses)
	assert.Equal(t, 160.0, cfg.ScaleFactor)
	assert.Equal(t, 126, cfg.MaxStep)

	assert.True(t, cfg.IsSet("MQTT_BROKER"))
	assert.False(t, cfg.IsSet("JMRI_DIR"))
}

func TestLoadRejectsBadInput(t *testing.T) {
	for name, body := range map[string]string{
		"unknown key":   "IMU_LEFT_SPI_DEVICE=/dev/spidev0.0",
		"no equals":     "MQTT_BROKER",
		"bad int":       "PASSES=three",
		"out of range":  "MAX_STEP=127",
		"negative":      "SCALE_FACTOR=-1",
		"crossed steps": "MIN_STEP=50\nMAX_STEP=40",
		"empty broker":  "MQTT_BROKER=",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 35*time.Second, cfg.AcquireTimeout())

	_, err = LoadOrDefault(writeConfig(t, "PASSES=0"))
	assert.Error(t, err)
}
