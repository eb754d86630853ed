package service

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers/simulated"
	"github.com/timzifer/coupler/telemetry"
	"github.com/timzifer/coupler/trigger"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestConnectorEndpoints(t *testing.T) {
	svc, err := New(pressConfig(t, 0), zerolog.Nop(), deviceDriver(simulated.NewDevice(0, nil)))
	require.NoError(t, err)
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/connectors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ConnectorStatus](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "created", list[0].State)
	assert.Equal(t, simulated.Driver, list[0].Driver)

	rec = do(t, h, http.MethodGet, "/connectors/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/connectors/press/last", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/connectors/press/trigger", `{"type":"timeseries"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/drivers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	drivers := decode[[]DriverInfo](t, rec)
	require.Len(t, drivers, 1)
	assert.Equal(t, simulated.Driver, drivers[0].Driver)
	assert.True(t, drivers[0].Capabilities.Calls)

	runService(t, svc)
	waitState(t, svc, "press", connector.StateConnected)

	rec = do(t, h, http.MethodGet, "/connectors/press", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode[ConnectorStatus](t, rec).State)

	rec = do(t, h, http.MethodPost, "/connectors/press/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", decode[ConnectorStatus](t, rec).State)

	rec = do(t, h, http.MethodPost, "/connectors/press/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode[ConnectorStatus](t, rec).State)
}

func TestTriggerEndpoint(t *testing.T) {
	svc, err := New(pressConfig(t, 0), zerolog.Nop(), deviceDriver(simulated.NewDevice(0, nil)))
	require.NoError(t, err)
	h := svc.Handler()
	runService(t, svc)
	waitState(t, svc, "press", connector.StateConnected)

	rec := do(t, h, http.MethodPost, "/connectors/press/trigger", `{"type":"timeseries","start":{"value":1,"kind":"hours"},"delay":"1ms"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "press", resp.ID)
	assert.NotEmpty(t, resp.Job)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/connectors/press/last", "")
		return rec.Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
	last := decode[LastResponse](t, do(t, h, http.MethodGet, "/connectors/press/last", ""))
	assert.EqualValues(t, 1, last.Record["lotSize"])

	rec = do(t, h, http.MethodPost, "/connectors/press/trigger", `{"type":"string","query":"SELECT *"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	for _, body := range []string{
		`{"type":"graph"}`,
		`{"type":"string"}`,
		`{"type":"timeseries","start":{"value":1,"kind":"fortnights"}}`,
		`{"type":"timeseries","delay":"soon"}`,
		`not json`,
	} {
		rec = do(t, h, http.MethodPost, "/connectors/press/trigger", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestWriteEndpoint(t *testing.T) {
	dev := simulated.NewDevice(0, nil)
	svc, err := New(pressConfig(t, 0), zerolog.Nop(), deviceDriver(dev))
	require.NoError(t, err)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/connectors/press/write", `{"lotSize":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	runService(t, svc)
	waitState(t, svc, "press", connector.StateConnected)

	rec = do(t, h, http.MethodPost, "/connectors/press/write", `{"lotSize":3}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	v, _ := dev.Get("lotSize")
	assert.EqualValues(t, 3, v)

	rec = do(t, h, http.MethodPost, "/connectors/press/write", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/connectors/nope/write", `{"lotSize":3}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	svc, err := New(pressConfig(t, 0), zerolog.Nop(), deviceDriver(simulated.NewDevice(0, nil)), WithTelemetry(collector), WithGatherer(reg))
	require.NoError(t, err)
	runService(t, svc)
	waitState(t, svc, "press", connector.StateConnected)

	rec := do(t, svc.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coupler_connector_state{connector="press",state="connected"} 1`)
}

func TestEnableServer(t *testing.T) {
	svc, err := New(pressConfig(t, 0), zerolog.Nop(), deviceDriver(simulated.NewDevice(0, nil)))
	require.NoError(t, err)
	require.NoError(t, svc.EnableServer("127.0.0.1:0"))
	assert.Error(t, svc.EnableServer("127.0.0.1:0"))

	addr := svc.ServerAddress()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, svc.Close())
	assert.Empty(t, svc.ServerAddress())
}

func TestTriggerRequestRoundTrip(t *testing.T) {
	for _, q := range []trigger.Query{
		trigger.StringQuery{Query: "SELECT * FROM press", Language: "influxql", Interval: 5 * time.Millisecond},
		trigger.TimeseriesQuery{Start: trigger.TimeSpec{Value: 2, Kind: trigger.RelativeDays}},
		trigger.TimeseriesQuery{
			Start:    trigger.Absolute(1000),
			End:      trigger.TimeSpec{Value: 30, Kind: trigger.RelativeMinutes},
			Interval: time.Second,
		},
	} {
		got, err := NewTriggerRequest(q).query()
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}

	_, err := NewTriggerRequest(nil).query()
	assert.Error(t, err)
}
