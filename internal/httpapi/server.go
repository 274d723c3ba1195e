// Package httpapi is the status/control HTTP surface described by
// SPEC_FULL.md §4.C10: formatting supervisor snapshots as JSON, with no
// business logic of its own beyond request routing and authentication.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/modbus"
	"github.com/ibs-source/adam-logger/internal/ports"
)

// supervisorView is the subset of *supervisor.Supervisor this package
// depends on, so handlers can be exercised against a fake in tests without
// dragging in real Modbus/MQTT/storage wiring.
type supervisorView interface {
	Status() domain.ServiceStatus
	DeviceHealth(deviceID string) (domain.DeviceHealth, bool)
	RestartDevice(deviceID string) error
	LatestReading(deviceID string, channel int) (domain.DeviceReading, bool)
	LatestReadingsForDevice(deviceID string) []domain.DeviceReading
	AllLatestReadings() []domain.DeviceReading
	ClearCache()
	MetricsSnapshot() domain.MetricsSnapshot
	StorageHealthy(ctx context.Context) error
	Config() *config.Config
}

// Server is the HTTP interface's process: one *http.Server behind one
// Authenticator, backed by the supervisor.
type Server struct {
	httpSrv *http.Server
	sup     supervisorView
	auth    Authenticator
	logger  ports.Logger
}

// New builds a Server listening on cfg.Port, guarded by the Authenticator
// selected by cfg.AuthMode. Call Start to begin serving.
func New(cfg config.HTTPConfig, sup supervisorView, logger ports.Logger) (*Server, error) {
	auth, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}

	s := &Server{
		sup:    sup,
		auth:   auth,
		logger: logger.WithFields(ports.Field{Key: "component", Value: "http-api"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.withAuth(s.handleHealth))
	mux.HandleFunc("GET /health/detailed", s.withAuth(s.handleHealthDetailed))
	mux.HandleFunc("GET /devices", s.withAuth(s.handleDevices))
	mux.HandleFunc("GET /devices/{id}", s.withAuth(s.handleDevice))
	mux.HandleFunc("POST /devices/{id}/restart", s.withAuth(s.handleRestartDevice))
	mux.HandleFunc("GET /data/latest", s.withAuth(s.handleLatestAll))
	mux.HandleFunc("GET /data/latest/{id}", s.withAuth(s.handleLatestDevice))
	mux.HandleFunc("GET /data/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("GET /config", s.withAuth(s.handleConfig))
	mux.HandleFunc("DELETE /data/cache", s.withAuth(s.handleClearCache))

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start launches the listener in the background. Errors other than a
// graceful Shutdown are logged, not returned, matching the teacher's
// fire-and-forget health server pattern.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", ports.Field{Key: "error", Value: err})
		}
	}()
}

// Stop gracefully shuts the listener down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Authenticate(r); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is basic liveness: it never touches the database.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.sup.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":        status.Running,
		"uptime_seconds": status.Uptime.Seconds(),
		"devices":        status.DeviceHealth,
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	status := s.sup.Status()

	storageErr := s.sup.StorageHealthy(r.Context())
	components := map[string]interface{}{
		"modbus": map[string]interface{}{"devices": status.DeviceHealth},
		"mqtt":   map[string]interface{}{"enabled": status.MQTTEnabled},
		"storage": map[string]interface{}{
			"healthy": storageErr == nil,
			"error":   errString(storageErr),
		},
	}

	code := http.StatusOK
	if storageErr != nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"running":        status.Running,
		"uptime_seconds": status.Uptime.Seconds(),
		"components":     components,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status().DeviceHealth)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	health, ok := s.sup.DeviceHealth(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device " + id})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleRestartDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sup.RestartDevice(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "device_id": id})
	case errors.Is(err, modbus.ErrDeviceNotRegistered):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device " + id})
	default:
		s.logger.Error("device restart failed", ports.Field{Key: "device_id", Value: id}, ports.Field{Key: "error", Value: err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleLatestAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.AllLatestReadings())
}

func (s *Server) handleLatestDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, s.sup.LatestReadingsForDevice(id))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.sup.MetricsSnapshot()
	readings := s.sup.AllLatestReadings()

	qualityCounts := map[string]int{}
	var rateSum float64
	var rateCount int
	for _, r := range readings {
		qualityCounts[r.Quality.String()]++
		if r.Rate != nil {
			rateSum += *r.Rate
			rateCount++
		}
	}
	var avgRate float64
	if rateCount > 0 {
		avgRate = rateSum / float64(rateCount)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"readings_produced":    snapshot.ReadingsProduced,
		"readings_dropped":     snapshot.ReadingsDropped,
		"poll_successes":       snapshot.PollSuccesses,
		"poll_failures":        snapshot.PollFailures,
		"batches_flushed":      snapshot.BatchesFlushed,
		"batches_failed":       snapshot.BatchesFailed,
		"rows_written":         snapshot.RowsWritten,
		"dlq_pending":          snapshot.DLQPending,
		"reading_rate_per_sec": snapshot.ReadingRate,
		"queue_depth":          snapshot.QueueDepth,
		"quality_distribution": qualityCounts,
		"average_rate":         avgRate,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.sup.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timescale": map[string]interface{}{
			"host":              cfg.Timescale.Host,
			"port":              cfg.Timescale.Port,
			"database":          cfg.Timescale.Database,
			"table":             cfg.Timescale.Table,
			"batch_size":        cfg.Timescale.BatchSize,
			"batch_timeout_ms":  cfg.Timescale.BatchTimeout.Milliseconds(),
			"flush_interval_ms": cfg.Timescale.FlushInterval.Milliseconds(),
		},
		"modbus_device_count": len(cfg.Modbus.Devices),
		"mqtt_enabled":        cfg.MQTT.Enabled,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.sup.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
