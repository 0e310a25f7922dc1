package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

const maxIngestBody = 1 << 20

// Ingester stores one reading.
type Ingester interface {
	Ingest(ctx context.Context, reading telemetry.Reading, source string) (telemetry.Reading, error)
}

// IngestHandler accepts readings over HTTP.
type IngestHandler struct {
	ingester Ingester
	logger   logrus.FieldLogger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingester Ingester, logger logrus.FieldLogger) (*IngestHandler, error) {
	if ingester == nil {
		return nil, errors.New("ingest handler: nil ingester")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestHandler{ingester: ingester, logger: logging.Component(logger, "ingest_http")}, nil
}

type ingestRequest struct {
	telemetry.Reading
	Readings []telemetry.Reading `json:"readings"`
}

// ServeHTTP handles POST /ingest/readings with one reading or {"readings":[...]}.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		h.logger.WithError(err).Warn("read body error")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > maxIngestBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	readings, err := decodeReadings(body)
	if err != nil {
		metrics.IncIngestError("decode")
		h.logger.WithError(err).Warn("decode error")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(readings) == 0 {
		http.Error(w, "no readings", http.StatusBadRequest)
		return
	}

	stored := make([]telemetry.Reading, 0, len(readings))
	for _, reading := range readings {
		saved, err := h.ingester.Ingest(r.Context(), reading, metrics.SourceHTTP)
		if err != nil {
			status := http.StatusInternalServerError
			if isValidationError(err) {
				status = http.StatusBadRequest
			}
			h.logger.WithError(err).WithFields(logrus.Fields{
				"device_id": reading.DeviceID,
				"inserted":  len(stored),
			}).Warn("ingest failed")
			writeJSON(w, status, map[string]any{
				"error":    err.Error(),
				"inserted": len(stored),
			})
			return
		}
		stored = append(stored, saved)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Data stored successfully",
		"inserted": len(stored),
		"readings": stored,
	})
}

func decodeReadings(body []byte) ([]telemetry.Reading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var readings []telemetry.Reading
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			return nil, err
		}
		return readings, nil
	}
	var req ingestRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, err
	}
	if len(req.Readings) > 0 {
		return req.Readings, nil
	}
	return []telemetry.Reading{req.Reading}, nil
}

func isValidationError(err error) bool {
	return errors.Is(err, telemetry.ErrEmptyDeviceID) ||
		errors.Is(err, telemetry.ErrInvalidTimestamp) ||
		errors.Is(err, telemetry.ErrNonFiniteValue)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
