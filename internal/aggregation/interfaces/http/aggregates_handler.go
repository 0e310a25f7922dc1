package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
)

// AggregatesHandler serves hourly aggregate queries.
type AggregatesHandler struct {
	query  aggregation.AggregateQuery
	logger logrus.FieldLogger
}

// NewAggregatesHandler constructs an aggregates handler.
func NewAggregatesHandler(query aggregation.AggregateQuery, logger logrus.FieldLogger) (*AggregatesHandler, error) {
	if query == nil {
		return nil, errors.New("aggregates handler: nil query")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AggregatesHandler{query: query, logger: logging.Component(logger, "aggregates_http")}, nil
}

// ServeHTTP handles GET /api/v1/aggregates?device_id=&from=&to=.
func (h *AggregatesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, ok := loadAggregates(w, r, h.query, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type rangeQuery struct {
	deviceID string
	from     int64
	to       int64
}

func parseRangeQuery(r *http.Request) (rangeQuery, error) {
	q := rangeQuery{deviceID: r.URL.Query().Get("device_id")}
	if q.deviceID == "" {
		return rangeQuery{}, errors.New("device_id is required")
	}
	var err error
	if q.from, err = parseTimeParam(r, "from"); err != nil {
		return rangeQuery{}, err
	}
	if q.to, err = parseTimeParam(r, "to"); err != nil {
		return rangeQuery{}, err
	}
	if q.to <= q.from {
		return rangeQuery{}, errors.New("to must be after from")
	}
	return q, nil
}

// parseTimeParam accepts RFC3339 or epoch seconds.
func parseTimeParam(r *http.Request, key string) (int64, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0, errors.New(key + " is required")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return seconds, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, errors.New(key + " must be RFC3339 or epoch seconds")
	}
	return parsed.Unix(), nil
}

func loadAggregates(w http.ResponseWriter, r *http.Request, query aggregation.AggregateQuery, logger logrus.FieldLogger) ([]aggregation.DeviceSummary, bool) {
	q, err := parseRangeQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	rows, err := query.Range(r.Context(), q.deviceID, q.from, q.to)
	if err != nil {
		logger.WithError(err).WithField("device_id", q.deviceID).Error("query aggregates error")
		http.Error(w, "query aggregates error", http.StatusInternalServerError)
		return nil, false
	}
	if rows == nil {
		rows = []aggregation.DeviceSummary{}
	}
	return rows, true
}
