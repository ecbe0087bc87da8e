package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asteriostudio/pulsebear/model"
	"github.com/asteriostudio/pulsebear/storage"
	"github.com/asteriostudio/pulsebear/storage/inmemory"
)

func seedVital(t *testing.T, store *inmemory.MemStorage, projectID string, metric model.Metric, value float64, route string, at time.Time) {
	t.Helper()
	require.NoError(t, store.InsertVitals(context.Background(), []storage.WebVital{{
		ProjectID:  projectID,
		Metric:     metric,
		DeviceType: model.Desktop,
		Value:      value,
		Route:      route,
		CreatedAt:  at,
	}}))
}

func getJSON(t *testing.T, srv *Server, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestStats(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	now := time.Now().UTC()
	for _, v := range []float64{1000, 2000, 3000} {
		seedVital(t, store, "p1", model.LCP, v, "/", now.Add(-time.Hour))
	}

	var resp statsResponse
	code := getJSON(t, srv, "/api/projects/p1/vitals/stats?percentile=p50", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Stats, len(model.Metrics))

	byMetric := make(map[model.Metric]statEntry)
	for _, s := range resp.Stats {
		byMetric[s.Metric] = s
	}

	lcp := byMetric[model.LCP]
	require.NotNil(t, lcp.Value)
	require.InDelta(t, 2000, *lcp.Value, 0.001)
	require.Equal(t, 3, lcp.Count)

	// Vitals without samples report null, never zero.
	cls := byMetric[model.CLS]
	require.Nil(t, cls.Value)
	require.Equal(t, 0, cls.Count)
}

func TestStats_unknownProject(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp statsResponse
	code := getJSON(t, srv, "/api/projects/ghost/vitals/stats", &resp)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStats_badParams(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	for _, target := range []string{
		"/api/projects/p1/vitals/stats?period=1y",
		"/api/projects/p1/vitals/stats?percentile=p99",
		"/api/projects/p1/vitals/stats?deviceType=tablet",
	} {
		var resp statsResponse
		code := getJSON(t, srv, target, &resp)
		require.Equalf(t, http.StatusBadRequest, code, "target %s", target)
	}
}

func TestChartSeries_gapFilling(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	// Samples land in exactly one hourly bucket; the rest of the day must
	// still be present as empty buckets.
	at := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Hour)
	seedVital(t, store, "p1", model.LCP, 1800, "/", at)
	seedVital(t, store, "p1", model.LCP, 2200, "/", at.Add(time.Minute))

	var resp seriesResponse
	code := getJSON(t, srv, "/api/projects/p1/vitals/series?metric=LCP&period=24h", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Buckets, 25)

	populated := 0
	for i, b := range resp.Buckets {
		if i > 0 {
			require.Equal(t, time.Hour, b.Date.Sub(resp.Buckets[i-1].Date))
		}
		if b.Value != nil {
			populated++
			require.NotNil(t, b.Count)
			require.Equal(t, 2, *b.Count)
			require.InDelta(t, 2000, *b.Value, 0.001)
		} else {
			require.Nil(t, b.Count)
		}
	}
	require.Equal(t, 1, populated)
}

func TestChartSeries_noData(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	var resp seriesResponse
	code := getJSON(t, srv, "/api/projects/p1/vitals/series?metric=FCP", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Buckets, 25)
	for _, b := range resp.Buckets {
		require.Nil(t, b.Value)
		require.Nil(t, b.Count)
	}
}

func TestChartSeries_requiresMetric(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	var resp seriesResponse
	code := getJSON(t, srv, "/api/projects/p1/vitals/series", &resp)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestTopRoutes(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedVital(t, store, "p1", model.INP, 200, "/checkout", now.Add(-time.Hour))
	}
	for i := 0; i < 2; i++ {
		seedVital(t, store, "p1", model.INP, 150, "/", now.Add(-time.Hour))
	}

	var resp routesResponse
	code := getJSON(t, srv, "/api/projects/p1/vitals/routes?metric=INP", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Routes, 2)
	require.Equal(t, "/checkout", resp.Routes[0].Route)
	require.Equal(t, 5, resp.Routes[0].Count)
	require.Equal(t, "/", resp.Routes[1].Route)
}

func TestTopRoutes_emptyIsArray(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/vitals/routes?metric=LCP", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"routes":[]`)
}
