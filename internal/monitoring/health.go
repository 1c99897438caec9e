package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/metrics"
	"github.com/23skdu/longbow-weightscope/internal/store"
)

const Version = "0.3.0"

const maxAlerts = 100

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Pipeline  PipelineInfo  `json:"pipeline"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// PipelineInfo aggregates the batches seen by this process.
type PipelineInfo struct {
	Batches         int           `json:"batches"`
	FailedBatches   int           `json:"failed_batches"`
	ModelsPersisted int           `json:"models_persisted"`
	ModelsSkipped   int           `json:"models_skipped"`
	TensorsSeen     int64         `json:"tensors_seen"`
	LastRunID       string        `json:"last_run_id,omitempty"`
	LastBatch       time.Time     `json:"last_batch"`
	LastDuration    time.Duration `json:"last_duration"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error
	Component  string     `json:"component"` // serialize, plot, analyse, persist, batch
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor serves health, status and Prometheus metrics for a
// running weightscope process.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu       sync.RWMutex
	alerts   []Alert
	pipeline PipelineInfo
}

func NewHealthMonitor(log *logger.Logger) *HealthMonitor {
	if log == nil {
		log = logger.Log
	}
	return &HealthMonitor{
		startTime: time.Now(),
		log:       log,
		alerts:    make([]Alert, 0),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	hm.log.Info("health monitor starting", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordBatch folds a finished ProcessBatch call into the status and raises
// alerts for skipped models and aborted batches.
func (hm *HealthMonitor) RecordBatch(res *store.BatchResult, batchErr error) {
	hm.mu.Lock()
	hm.pipeline.Batches++
	if res != nil {
		hm.pipeline.ModelsPersisted += len(res.Persisted)
		hm.pipeline.ModelsSkipped += len(res.Skipped)
		hm.pipeline.LastRunID = res.RunID
		hm.pipeline.LastBatch = res.Started
		hm.pipeline.LastDuration = res.Duration
	}
	var batchError *store.BatchError
	aborted := batchErr != nil && !errors.As(batchErr, &batchError)
	if aborted {
		hm.pipeline.FailedBatches++
	}
	hm.mu.Unlock()

	if res != nil {
		for _, sk := range res.Skipped {
			hm.AddAlert("warning", sk.Stage, fmt.Sprintf("model %s skipped: %v", sk.Model, sk.Err))
		}
	}
	if aborted {
		hm.AddAlert("error", "batch", batchErr.Error())
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.getHealthStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// getHealthStatus is degraded while an unresolved error alert exists.
func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Level == "error" && !alert.Resolved {
			status = "degraded"
			break
		}
	}

	pipeline := hm.pipeline
	pipeline.TensorsSeen = metrics.TensorsSeen()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(hm.startTime),
		System:    getSystemInfo(),
		Pipeline:  pipeline,
		Alerts:    alerts,
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
