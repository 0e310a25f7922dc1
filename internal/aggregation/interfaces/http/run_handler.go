package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/aggregation/application"
	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
)

// PassRunner runs one aggregation pass.
type PassRunner interface {
	RunPass(ctx context.Context, now time.Time, lookback time.Duration) (application.PassResult, error)
}

// RunHandler triggers a pass on demand.
type RunHandler struct {
	runner   PassRunner
	lookback time.Duration
	now      func() time.Time
	logger   logrus.FieldLogger
}

// NewRunHandler constructs a run handler. lookback is used when the request omits one.
func NewRunHandler(runner PassRunner, lookback time.Duration, logger logrus.FieldLogger) (*RunHandler, error) {
	if runner == nil {
		return nil, errors.New("run handler: nil runner")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RunHandler{
		runner:   runner,
		lookback: lookback,
		now:      time.Now,
		logger:   logging.Component(logger, "aggregation_http"),
	}, nil
}

type runRequest struct {
	Now      string `json:"now"`
	Lookback string `json:"lookback"`
}

// ServeHTTP handles POST /aggregation/run with an optional {"now": RFC3339, "lookback": "1h"} body.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	now := h.now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			http.Error(w, "now must be RFC3339", http.StatusBadRequest)
			return
		}
		now = parsed
	}
	lookback := h.lookback
	if req.Lookback != "" {
		parsed, err := time.ParseDuration(req.Lookback)
		if err != nil {
			http.Error(w, "lookback must be a duration", http.StatusBadRequest)
			return
		}
		lookback = parsed
	}

	result, err := h.runner.RunPass(r.Context(), now, lookback)
	switch {
	case errors.Is(err, aggregation.ErrPassInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, aggregation.ErrInvalidLookback), errors.Is(err, aggregation.ErrInvalidWindow):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	if err != nil {
		h.logger.WithError(err).WithField("pass_id", result.PassID).Error("pass failed")
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
