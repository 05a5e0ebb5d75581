package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cryptotracker/internal/comparison"
	"cryptotracker/internal/config"
	"cryptotracker/internal/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, *storage.SQLiteStore) {
	t.Helper()

	store, err := storage.OpenSQLite(context.Background(),
		config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "prices.db")}, time.UTC)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	h := NewHandler(store, comparison.NewEngine(store), 10, zerolog.Nop())
	return NewRouter(h, "*", zerolog.Nop()), store
}

func TestNewRouterLeavesGinModeAlone(t *testing.T) {
	prev := gin.Mode()
	t.Cleanup(func() { gin.SetMode(prev) })

	gin.SetMode(gin.TestMode)
	newTestRouter(t)
	require.Equal(t, gin.TestMode, gin.Mode())
}

func seed(t *testing.T, store storage.PriceStore, rows ...storage.NewObservation) {
	t.Helper()
	_, err := store.Append(context.Background(), rows)
	require.NoError(t, err)
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestRecentPricesDefaultsToTen(t *testing.T) {
	r, store := newTestRouter(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		seed(t, store, storage.NewObservation{CurrencyID: "bitcoin", Price: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	rec := get(r, "/crypto_data")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 10)
	require.Equal(t, "bitcoin", rows[0]["currency_id"])
	require.Equal(t, 11.0, rows[0]["price"])
	require.Equal(t, "2024-01-01T00:11:00Z", rows[0]["timestamp"])
	require.NotContains(t, rows[0], "id")
}

func TestRecentPricesEmptyStore(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := get(r, "/crypto_data")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestRecentPricesLimit(t *testing.T) {
	r, store := newTestRouter(t)
	seed(t, store,
		storage.NewObservation{CurrencyID: "bitcoin", Price: 1},
		storage.NewObservation{CurrencyID: "ethereum", Price: 2},
	)

	rec := get(r, "/crypto_data?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)

	for _, bad := range []string{"0", "1001", "abc"} {
		rec = get(r, "/crypto_data?limit="+bad)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestComparePrices(t *testing.T) {
	r, store := newTestRouter(t)
	seed(t, store,
		storage.NewObservation{CurrencyID: "bitcoin", Price: 90, Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		storage.NewObservation{CurrencyID: "bitcoin", Price: 100, Timestamp: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)},
		storage.NewObservation{CurrencyID: "bitcoin", Price: 110, Timestamp: time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)},
	)

	rec := get(r, "/crypto_compare/bitcoin?start_date=2024-01-01&end_date=2024-01-03")
	require.Equal(t, http.StatusOK, rec.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "bitcoin", res["crypto_id"])
	require.Equal(t, 110.0, res["latest_price"])
	require.Equal(t, 100.0, res["average_price"])
	require.Equal(t, 10.0, res["percentage_diff"])
	require.Equal(t, "The latest price is higher than the average price by 10.00%.", res["comparison"])
}

func TestComparePricesErrors(t *testing.T) {
	r, store := newTestRouter(t)
	seed(t, store,
		storage.NewObservation{CurrencyID: "bitcoin", Price: 100, Timestamp: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)},
		storage.NewObservation{CurrencyID: "dust", Price: 0, Timestamp: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)},
	)

	cases := []struct {
		target string
		status int
		msg    string
	}{
		{"/crypto_compare/bitcoin?start_date=2024-01-01", http.StatusBadRequest, "Please provide both start_date and end_date parameters."},
		{"/crypto_compare/bitcoin?end_date=2024-01-01", http.StatusBadRequest, "Please provide both start_date and end_date parameters."},
		{"/crypto_compare/bitcoin?start_date=2024-1-1&end_date=2024-01-03", http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD"},
		{"/crypto_compare/bitcoin?start_date=2024-01-05&end_date=2024-01-03", http.StatusBadRequest, "start_date must not be after end_date"},
		{"/crypto_compare/bitcoin?start_date=2023-01-01&end_date=2023-01-03", http.StatusNotFound,
			"No data available for bitcoin within the selected date range. Please try expanding the date range."},
		{"/crypto_compare/dust?start_date=2024-01-10&end_date=2024-01-10", http.StatusUnprocessableEntity, "Average price is zero; percentage difference is undefined"},
	}
	for _, tc := range cases {
		rec := get(r, tc.target)
		require.Equal(t, tc.status, rec.Code, tc.target)
		require.Equal(t, tc.msg, decodeError(t, rec), tc.target)
	}
}

type failingStore struct{}

func (failingStore) Latest(context.Context, int) ([]storage.Observation, error) {
	return nil, errors.New("SQL logic error: no such table: crypto_prices")
}

func (failingStore) Ping(context.Context) error { return errors.New("closed") }

type failingEngine struct{}

func (failingEngine) Compare(context.Context, string, string, string) (comparison.Result, error) {
	return comparison.Result{}, errors.New("database is locked")
}

func TestStorageFailuresAreGeneric500(t *testing.T) {
	r := NewRouter(NewHandler(failingStore{}, failingEngine{}, 10, zerolog.Nop()), "*", zerolog.Nop())

	for _, target := range []string{"/crypto_data", "/crypto_compare/bitcoin?start_date=2024-01-01&end_date=2024-01-02"} {
		rec := get(r, target)
		require.Equal(t, http.StatusInternalServerError, rec.Code, target)
		require.Equal(t, internalErrorMessage, decodeError(t, rec))
		require.NotContains(t, rec.Body.String(), "SQL")
	}

	rec := get(r, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"database":"unavailable"`)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := get(r, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string            `json:"status"`
		Version  string            `json:"version"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "ok", body.Services["database"])
	require.NotEmpty(t, body.Version)

	get(r, "/crypto_data")
	rec = get(r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `cryptotracker_http_requests_total{method="GET",path="/crypto_data",status="200"}`)
}

func TestRecoveryAndCORS(t *testing.T) {
	r := gin.New()
	r.Use(requestID(), recovery(zerolog.Nop()), cors("https://example.com"))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec := get(r, "/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, internalErrorMessage, decodeError(t, rec))
	require.NotContains(t, rec.Body.String(), "kaboom")
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	opt := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/boom", nil)
	req.Header.Set(requestIDHeader, "fixed-id")
	r.ServeHTTP(opt, req)
	require.Equal(t, http.StatusNoContent, opt.Code)
	require.Equal(t, "fixed-id", opt.Header().Get(requestIDHeader))
}

func TestServerRunShutsDown(t *testing.T) {
	srv := NewServer(config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		http.NewServeMux(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
