package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/service"
)

func TestOptionsRegisterBundledDrivers(t *testing.T) {
	assert.Equal(t, []string{"kafka", "mqtt", "redis", "simulated"}, service.Drivers(Options()...))
}

func TestSingleDriver(t *testing.T) {
	assert.Equal(t, []string{"mqtt"}, service.Drivers(WithMQTT()))
}

func TestDriverSchemasRegistered(t *testing.T) {
	names := config.DriverSchemas()
	for _, driver := range service.Drivers(Options()...) {
		assert.Contains(t, names, driver)
	}
}

func TestDriverSettingsValidatedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coupler.yaml")
	valid := `connectors:
  - id: press
    driver: simulated
    driver_settings:
      interval: 250ms
      values: {lotSize: 1}
      signals:
        temperature: {kind: float, min: 10, max: 90}
  - id: telemetry
    driver: mqtt
    driver_settings:
      subscriptions:
        - topic: plant/+/state
          qos: 1
      payload: {encoding: json, time_field: ts}
  - id: history
    driver: redis
    driver_settings: {stream: press, max_len: 1000}
  - id: events
    driver: kafka
    driver_settings: {brokers: ["kafka:9092"], topic: press, start_offset: First, sasl: PLAIN}
`
	require.NoError(t, os.WriteFile(path, []byte(valid), 0o600))
	_, err := config.Load(path)
	require.NoError(t, err)

	for _, bad := range []string{
		"driver: simulated\n    driver_settings: {interval: often}",
		"driver: mqtt\n    driver_settings: {qos: 3}",
		"driver: redis\n    driver_settings: {streams: press}",
		"driver: kafka\n    driver_settings: {start_offset: middle}",
	} {
		doc := "connectors:\n  - id: bad\n    " + bad + "\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		_, err := config.Load(path)
		assert.Error(t, err, bad)
	}
}
