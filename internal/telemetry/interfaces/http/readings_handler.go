package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/logging"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

const (
	readingsPrefix = "/api/v1/devices/"
	readingsSuffix = "/readings"

	defaultLatestLimit = 10
	maxLatestLimit     = 500
)

// LatestReader returns the newest readings of a device.
type LatestReader interface {
	LatestByDevice(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error)
}

// ReadingsHandler serves the latest raw readings of a device.
type ReadingsHandler struct {
	reader LatestReader
	logger logrus.FieldLogger
}

// NewReadingsHandler constructs a readings handler.
func NewReadingsHandler(reader LatestReader, logger logrus.FieldLogger) (*ReadingsHandler, error) {
	if reader == nil {
		return nil, errors.New("readings handler: nil reader")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReadingsHandler{reader: reader, logger: logging.Component(logger, "readings_http")}, nil
}

// ServeHTTP handles GET /api/v1/devices/{device_id}/readings?limit=N.
func (h *ReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	deviceID, ok := parseDevicePath(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}

	limit := defaultLatestLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxLatestLimit {
		limit = maxLatestLimit
	}

	readings, err := h.reader.LatestByDevice(r.Context(), deviceID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("device_id", deviceID).Error("query latest readings error")
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// parseDevicePath extracts the device id from /api/v1/devices/{id}/readings.
// The id may be path-escaped.
func parseDevicePath(path string) (string, bool) {
	if !strings.HasPrefix(path, readingsPrefix) || !strings.HasSuffix(path, readingsSuffix) {
		return "", false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(path, readingsPrefix), readingsSuffix)
	if raw == "" || strings.Contains(raw, "/") {
		return "", false
	}
	deviceID, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(deviceID) == "" {
		return "", false
	}
	return deviceID, true
}
