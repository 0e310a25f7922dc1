package apihttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/auth"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func okHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	})
}

type pingStub struct{ err error }

func (p pingStub) PingContext(context.Context) error { return p.err }

var (
	jwtSecret    = []byte("jwt-secret")
	ingestSecret = []byte("ingest-secret")
)

func newTestRouter(health Pinger) http.Handler {
	return NewRouter(Routes{
		Ingest:     okHandler("ingest"),
		Readings:   okHandler("readings"),
		Aggregates: okHandler("aggregates"),
		Export:     okHandler("export"),
		RunPass:    okHandler("run"),
		Health:     health,
	}, Security{JWTSecret: jwtSecret, IngestSecret: ingestSecret, IngestMaxSkew: time.Minute}, quietLogger())
}

func bearer(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.IssueJWT(jwtSecret, "tester", role, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(nil)
	viewer := bearer(t, auth.RoleViewer)
	admin := bearer(t, auth.RoleAdmin)

	cases := []struct {
		method string
		path   string
		token  string
		status int
		body   string
	}{
		{http.MethodGet, "/api/v1/devices/d1/readings", viewer, http.StatusOK, "readings"},
		{http.MethodGet, "/api/v1/aggregates?device_id=d1", viewer, http.StatusOK, "aggregates"},
		{http.MethodGet, "/api/v1/aggregates/export.xlsx", viewer, http.StatusOK, "export"},
		{http.MethodPost, "/aggregation/run", admin, http.StatusOK, "run"},
		{http.MethodPost, "/aggregation/run", viewer, http.StatusForbidden, ""},
		{http.MethodGet, "/api/v1/aggregates", "", http.StatusUnauthorized, ""},
		{http.MethodGet, "/healthz", "", http.StatusOK, "ok"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", tc.token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rec.Code)
		}
		if tc.body != "" && rec.Body.String() != tc.body {
			t.Fatalf("%s %s: expected body %q, got %q", tc.method, tc.path, tc.body, rec.Body.String())
		}
	}
}

func TestRouter_IngestRequiresSignature(t *testing.T) {
	router := newTestRouter(nil)
	body := `{"device_id":"d1"}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/readings", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/ingest/readings", strings.NewReader(body))
	req.Header.Set(auth.HeaderIngestTimestamp, ts)
	req.Header.Set(auth.HeaderIngestSignature, auth.SignIngest(ingestSecret, ts, []byte(body)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ingest" {
		t.Fatalf("expected signed ingest to pass, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRouter_HealthReportsBackend(t *testing.T) {
	router := newTestRouter(pingStub{err: errors.New("down")})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
