package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
	"sensorwatch/internal/monitor"
)

// DefaultMaxBodySize limits POST /sensor bodies to 1 MiB
const DefaultMaxBodySize = 1 << 20

var (
	errEmptyBatch   = errors.New("request body must contain at least one sensor")
	errMissingValue = errors.New("sensor value must be a number")
	errTrailingData = errors.New("request body must contain a single JSON object")
)

// SensorHandler serves the sensor endpoints
type SensorHandler struct {
	monitor     *monitor.Monitor
	maxBodySize int64
}

// SensorConfig holds configuration for the sensor handler
type SensorConfig struct {
	Monitor     *monitor.Monitor
	MaxBodySize int64
}

// NewSensorHandler creates a new sensor handler
func NewSensorHandler(cfg SensorConfig) *SensorHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	return &SensorHandler{
		monitor:     cfg.Monitor,
		maxBodySize: maxBodySize,
	}
}

// Register mounts the sensor routes on r
func (h *SensorHandler) Register(r *mux.Router) {
	r.HandleFunc("/sensors", h.ListSensors).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{name}/{value}", h.CheckSensor).Methods(http.MethodGet)
	r.HandleFunc("/sensor", h.SubmitReadings).Methods(http.MethodPost)
}

// SensorInfo is one entry of the GET /sensors listing
type SensorInfo struct {
	Name string `json:"name"`
}

// CheckResponse is returned by GET /sensors/{name}/{value}.
// Reason is always present and empty when the value is OK.
type CheckResponse struct {
	Sensor string        `json:"sensor"`
	Value  float64       `json:"value"`
	Status models.Status `json:"status"`
	Reason string        `json:"reason"`
}

// ListSensors returns the sensors that have a configured range
func (h *SensorHandler) ListSensors(w http.ResponseWriter, r *http.Request) {
	names := h.monitor.Sensors()
	out := make([]SensorInfo, 0, len(names))
	for _, name := range names {
		out = append(out, SensorInfo{Name: name})
	}
	writeJSON(w, http.StatusOK, out)
}

// CheckSensor evaluates a single reading taken from the path
func (h *SensorHandler) CheckSensor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	value, err := models.ParseValue(vars["value"])
	if err != nil {
		h.reject(w, r, "invalid_value", fmt.Sprintf("value %q: %v", vars["value"], err))
		return
	}

	reading := models.SensorReading{Name: vars["name"], Value: value}
	if err := h.monitor.Validate(reading); err != nil {
		h.reject(w, r, reasonFor(err), fmt.Sprintf("sensor %q: %v", reading.Name, err))
		return
	}

	out := h.monitor.Check(r.Context(), reading)
	writeJSON(w, http.StatusOK, CheckResponse{
		Sensor: out.Sensor,
		Value:  out.Result.Value,
		Status: out.Result.Status,
		Reason: out.Result.Reason,
	})
}

// SubmitReadings evaluates a JSON object of sensor name to value
func (h *SensorHandler) SubmitReadings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	readings, err := decodeReadings(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RequestsRejected.WithLabelValues("body_too_large").Inc()
			zerolog.Ctx(r.Context()).Warn().Int64("limit", tooLarge.Limit).Msg("request body too large")
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.reject(w, r, "invalid_body", err.Error())
		return
	}

	for name, value := range readings {
		if err := h.monitor.Validate(models.SensorReading{Name: name, Value: value}); err != nil {
			h.reject(w, r, reasonFor(err), fmt.Sprintf("sensor %q: %v", name, err))
			return
		}
	}

	outcomes := h.monitor.CheckBatch(r.Context(), readings)
	out := make(map[string]models.ThresholdResult, len(outcomes))
	for name, o := range outcomes {
		out[name] = o.Result
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeReadings parses the POST /sensor body. Null, string and other
// non-numeric values are rejected rather than read as zero.
func decodeReadings(body io.Reader) (map[string]float64, error) {
	dec := json.NewDecoder(body)

	var raw map[string]*float64
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return nil, errTrailingData
	}
	if len(raw) == 0 {
		return nil, errEmptyBatch
	}

	readings := make(map[string]float64, len(raw))
	for name, v := range raw {
		if v == nil {
			return nil, fmt.Errorf("sensor %q: %w", name, errMissingValue)
		}
		readings[name] = *v
	}
	return readings, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, monitor.ErrUnknownSensor):
		return "unknown_sensor"
	case errors.Is(err, models.ErrEmptySensorName):
		return "empty_sensor"
	default:
		return "invalid_value"
	}
}

// reject answers 400 and counts the rejection
func (h *SensorHandler) reject(w http.ResponseWriter, r *http.Request, reason, message string) {
	metrics.RequestsRejected.WithLabelValues(reason).Inc()
	zerolog.Ctx(r.Context()).Debug().
		Str("reason", reason).
		Str("detail", message).
		Msg("reading rejected")
	writeError(w, http.StatusBadRequest, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("handlers").Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// NotFound answers unmatched routes with a JSON error
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// MethodNotAllowed answers routes hit with the wrong method
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
