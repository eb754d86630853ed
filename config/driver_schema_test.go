package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const gaugeSchema = `#Settings: {
	unit?:     string
	interval?: #Duration
	scale?:    number
}
#Settings
`

func TestRegisterDriverSchema(t *testing.T) {
	require.NoError(t, RegisterDriverSchema("gauge-test", gaugeSchema))
	require.Error(t, RegisterDriverSchema("gauge-test", gaugeSchema), "duplicate registration")
	require.Error(t, RegisterDriverSchema(" ", gaugeSchema))
	require.Error(t, RegisterDriverSchema("empty-test", ""))
	require.Error(t, RegisterDriverSchema("broken-test", "#Settings: {"))
	require.Contains(t, DriverSchemas(), "gauge-test")
	require.NotContains(t, DriverSchemas(), "broken-test")
}

func TestLoadValidatesDriverSettings(t *testing.T) {
	require.NoError(t, RegisterDriverSchema("meter-test", gaugeSchema))
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	writeFile(t, path, `connectors:
  - id: meter
    driver: meter-test
    driver_settings:
      unit: kWh
      interval: 5s
      scale: 0.5
  - id: other
    driver: unknown-test
    driver_settings:
      anything: goes
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Connectors, 2)

	writeFile(t, path, `connectors:
  - id: meter
    driver: meter-test
    driver_settings:
      unit: kWh
      colour: red
`)
	_, err = Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connector meter: driver_settings")

	writeFile(t, path, `connectors:
  - id: meter
    driver: meter-test
    driver_settings:
      interval: soon
`)
	_, err = Load(path)
	require.Error(t, err)
}
