package rundaq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettings = `
Producer:
  Rate: 50
Producer.P1:
  Rate: 100
  Shape: triangle
  SkipTriggers: 3, 5
DataCollector:
  SyncMode: BXID
  Mandatory: [P1, P2]
  WriteFiles: false
`

func TestLoadConfiguration(t *testing.T) {
	name := filepath.Join(t.TempDir(), "beamtest.conf")
	require.NoError(t, os.WriteFile(name, []byte(testSettings), 0644))
	cfg, err := LoadConfiguration(name)
	require.NoError(t, err)
	assert.Equal(t, "beamtest", cfg.Name())
	assert.Equal(t, -1, cfg.GeoID())

	cfg.SelectComponent(TypeProducer, "P1")
	assert.Equal(t, "producer.p1", cfg.Section())
	assert.Equal(t, 100.0, cfg.GetFloat("Rate", 0))
	assert.Equal(t, "triangle", cfg.GetString("Shape", "pulse"))
	assert.Equal(t, []string{"3", "5"}, cfg.GetStringSlice("SkipTriggers", nil))
	assert.Equal(t, 7, cfg.GetInt("Missing", 7))

	cfg.SelectComponent(TypeProducer, "P9")
	assert.Equal(t, 50.0, cfg.GetFloat("Rate", 0))

	cfg.SelectComponent(TypeDataCollector, "")
	assert.Equal(t, []string{"P1", "P2"}, cfg.GetStringSlice("Mandatory", nil))
	assert.False(t, cfg.GetBool("WriteFiles", true))

	_, err = LoadConfiguration(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

// TestConfigurationShipping checks that settings survive the trip from
// RunControl to a component.
func TestConfigurationShipping(t *testing.T) {
	cfg, err := ParseConfiguration([]byte(testSettings))
	require.NoError(t, err)
	cfg.SetGeoID(12)
	data, err := cfg.Marshal()
	require.NoError(t, err)

	got, err := ParseConfiguration(data)
	require.NoError(t, err)
	assert.Equal(t, 12, got.GeoID())
	got.SelectComponent(TypeProducer, "P1")
	assert.Equal(t, 100, got.GetInt("Rate", 0))
	got.SelectComponent(TypeDataCollector, "dc")
	assert.Equal(t, "BXID", got.GetString("SyncMode", ""))

	_, err = ParseConfiguration([]byte("a: [unclosed"))
	assert.Error(t, err)
}

func TestEmptyConfiguration(t *testing.T) {
	cfg := EmptyConfiguration("blank")
	assert.Equal(t, "blank", cfg.Name())
	assert.False(t, cfg.HasSection(TypeProducer))
	cfg.SetSection(TypeProducer)
	assert.False(t, cfg.IsSet("Rate"))
	cfg.Set("Rate", 5)
	assert.True(t, cfg.IsSet("Rate"))
	assert.True(t, cfg.HasSection(TypeProducer))
	assert.Equal(t, 5, cfg.GetInt("Rate", 0))
}
