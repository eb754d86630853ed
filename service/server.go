package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// DefaultListen is used when the server is enabled without an address.
const DefaultListen = ":18080"

const shutdownTimeout = 5 * time.Second

type statusServer struct {
	logger zerolog.Logger
	server *http.Server
	ln     net.Listener
}

func newStatusServer(listen string, svc *Service, logger zerolog.Logger) (*statusServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listen, err)
	}
	srv := &http.Server{Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second}
	server := &statusServer{logger: logger, server: srv, ln: ln}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("http server started")
	return server, nil
}

func (s *statusServer) addr() string {
	return s.ln.Addr().String()
}

func (s *statusServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http server shutdown")
	}
}

type handlers struct {
	svc *Service
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	h := &handlers{svc: s}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/drivers", h.handleDrivers)

	r.Route("/connectors", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleDetails)
			r.Get("/last", h.handleLast)
			r.Post("/connect", h.handleConnect)
			r.Post("/disconnect", h.handleDisconnect)
			r.Post("/trigger", h.handleTrigger)
			r.Post("/write", h.handleWrite)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service and connector errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownConnector):
		return http.StatusNotFound
	case errors.Is(err, connector.ErrTriggerUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, connector.ErrNotConnected),
		errors.Is(err, connector.ErrInvalidState),
		errors.Is(err, connector.ErrDisposed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DriverInfo describes a registered driver.
type DriverInfo struct {
	Name             string                 `json:"name"`
	Driver           string                 `json:"driver"`
	Capabilities     connector.Capabilities `json:"capabilities"`
	SpecificSettings []string               `json:"specific_settings,omitempty"`
	Queries          []trigger.Kind         `json:"queries,omitempty"`
}

func (h *handlers) handleDrivers(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.svc.registry.Descriptors()
	out := make([]DriverInfo, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, DriverInfo{
			Name:             d.Name,
			Driver:           d.Driver,
			Capabilities:     d.Capabilities,
			SpecificSettings: d.SpecificSettings,
			Queries:          d.Queries,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Connectors())
}

func (h *handlers) handleDetails(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Connector(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// LastResponse carries the most recent record of a connector.
type LastResponse struct {
	ID         string       `json:"id"`
	ReceivedAt time.Time    `json:"received_at"`
	Record     model.Record `json:"record"`
}

func (h *handlers) handleLast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, at, ok, err := h.svc.LastRecord(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no record received yet")
		return
	}
	writeJSON(w, http.StatusOK, LastResponse{ID: id, ReceivedAt: at, Record: rec})
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Connect(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.handleDetails(w, r)
}

func (h *handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Disconnect(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.handleDetails(w, r)
}

// TimeSpecRequest is a TimeSpec with the kind given by name.
type TimeSpecRequest struct {
	Value int64  `json:"value"`
	Kind  string `json:"kind"`
}

func (t *TimeSpecRequest) spec() (trigger.TimeSpec, error) {
	if t == nil {
		return trigger.TimeSpec{}, nil
	}
	kind, err := trigger.ParseTimeKind(t.Kind)
	if err != nil {
		return trigger.TimeSpec{}, err
	}
	return trigger.TimeSpec{Value: t.Value, Kind: kind}, nil
}

// TriggerRequest is the body of POST /connectors/{id}/trigger.
type TriggerRequest struct {
	Type     string           `json:"type"`
	Query    string           `json:"query,omitempty"`
	Language string           `json:"language,omitempty"`
	Start    *TimeSpecRequest `json:"start,omitempty"`
	End      *TimeSpecRequest `json:"end,omitempty"`
	Delay    string           `json:"delay,omitempty"`
}

// NewTriggerRequest encodes q as a request body.
func NewTriggerRequest(q trigger.Query) TriggerRequest {
	var req TriggerRequest
	if q == nil {
		return req
	}
	if d := q.Delay(); d > 0 {
		req.Delay = d.String()
	}
	switch q := q.(type) {
	case trigger.StringQuery:
		req.Type = string(trigger.KindString)
		req.Query = q.Query
		req.Language = q.Language
	case trigger.TimeseriesQuery:
		req.Type = string(trigger.KindTimeseries)
		req.Start = newTimeSpecRequest(q.Start)
		req.End = newTimeSpecRequest(q.End)
	}
	return req
}

func newTimeSpecRequest(t trigger.TimeSpec) *TimeSpecRequest {
	if t.Kind == trigger.TimeUnspecified {
		return nil
	}
	return &TimeSpecRequest{Value: t.Value, Kind: t.Kind.String()}
}

func (req TriggerRequest) query() (trigger.Query, error) {
	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		if d < 0 {
			return nil, errors.New("delay must not be negative")
		}
		delay = d
	}
	switch trigger.Kind(strings.ToLower(strings.TrimSpace(req.Type))) {
	case trigger.KindString:
		if strings.TrimSpace(req.Query) == "" {
			return nil, errors.New("string query requires query text")
		}
		return trigger.StringQuery{Query: req.Query, Language: req.Language, Interval: delay}, nil
	case trigger.KindTimeseries:
		start, err := req.Start.spec()
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		end, err := req.End.spec()
		if err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
		return trigger.TimeseriesQuery{Start: start, End: end, Interval: delay}, nil
	default:
		return nil, fmt.Errorf("unknown query type %q", req.Type)
	}
}

// TriggerResponse reports the replay job started by a trigger.
type TriggerResponse struct {
	ID  string `json:"id"`
	Job string `json:"job"`
}

func (h *handlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	q, err := req.query()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.svc.Trigger(id, q)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{ID: id, Job: job})
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rec model.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(rec) == 0 {
		writeError(w, http.StatusBadRequest, "record must not be empty")
		return
	}
	if err := h.svc.Write(r.Context(), id, rec); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
