package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asteriostudio/pulsebear/internal/config"
	"github.com/asteriostudio/pulsebear/internal/utils"
	"github.com/asteriostudio/pulsebear/model"
	"github.com/asteriostudio/pulsebear/storage"
	"github.com/asteriostudio/pulsebear/storage/inmemory"
)

func newTestServer(t *testing.T) (*Server, *inmemory.MemStorage) {
	t.Helper()

	store := inmemory.NewMemStorage()
	cfg := &config.ServerConfig{
		Logger:    zap.NewNop().Sugar(),
		Timezone:  "UTC",
		FreeQuota: config.DefaultFreeQuota,
		ProQuota:  config.DefaultProQuota,
	}
	return NewServer(store, cfg), store
}

func seedProject(t *testing.T, store *inmemory.MemStorage, id, domain string, enabled bool) {
	t.Helper()
	require.NoError(t, store.UpsertProject(context.Background(), &storage.Project{
		ID:              id,
		OwnerID:         "owner-" + id,
		Domain:          domain,
		InsightsEnabled: enabled,
	}))
}

func vitalEvent(metric model.Metric, value float64, pageURL, path string) model.Event {
	e := model.Event{
		Type:       model.TypeWebVital,
		Metric:     &model.MetricSample{Name: metric, Value: value, ID: "v1-" + string(metric)},
		Timestamp:  1700000000000,
		DeviceType: model.Desktop,
	}
	if pageURL != "" {
		e.Attribution = &model.Attribution{
			Connection: &model.Connection{
				EffectiveType: "4g",
				Downlink:      utils.F64Ptr(10),
				SaveData:      utils.BoolPtr(false),
			},
			HardwareConcurrency: utils.IntPtr(8),
			Page:                &model.Page{URL: pageURL, Path: path},
		}
	}
	return e
}

func postBatch(srv *Server, origin string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/vitals/batch", bytes.NewReader(raw))
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestIngestBatch_happyPath(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	w := postBatch(srv, "https://app.example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events: []model.Event{
			vitalEvent(model.LCP, 2100, "https://app.example.com/checkout", "/checkout"),
			vitalEvent(model.CLS, 0.04, "", ""),
		},
	})

	require.Equal(t, http.StatusOK, w.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Inserted)
	require.Equal(t, 0, resp.Skipped)
	require.Equal(t, 2, store.VitalCount("p1"))

	year, month := quotaYearMonth()
	count, err := store.QuotaCount(context.Background(), "owner-p1", year, month)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestIngestBatch_malformedJSON(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	req := httptest.NewRequest(http.MethodPost, "/vitals/batch", bytes.NewBufferString("{not json"))
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestBatch_schemaValidation(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	tests := []struct {
		name  string
		event model.Event
	}{
		{name: "unknown metric", event: func() model.Event {
			e := vitalEvent(model.LCP, 1, "", "")
			e.Metric.Name = "BOGUS"
			return e
		}()},
		{name: "missing metric", event: model.Event{
			Type: model.TypeWebVital, Timestamp: 1, DeviceType: model.Desktop,
		}},
		{name: "zero timestamp", event: func() model.Event {
			e := vitalEvent(model.LCP, 1, "", "")
			e.Timestamp = 0
			return e
		}()},
		{name: "unknown device", event: func() model.Event {
			e := vitalEvent(model.LCP, 1, "", "")
			e.DeviceType = "tablet"
			return e
		}()},
		{name: "unparseable page url", event: vitalEvent(model.LCP, 1, "not a url", "/")},
		{name: "attribution without page", event: func() model.Event {
			e := vitalEvent(model.LCP, 1, "", "")
			e.Attribution = &model.Attribution{Locale: "en-US"}
			return e
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := postBatch(srv, "https://example.com", model.BatchSubmission{
				ProjectID: "p1",
				Events:    []model.Event{tc.event},
			})
			require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}
	require.Equal(t, 0, store.VitalCount("p1"))
}

func TestIngestBatch_unknownProject(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "ghost",
		Events:    []model.Event{vitalEvent(model.FCP, 900, "", "")},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestBatch_insightsDisabled(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", false)

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events:    []model.Event{vitalEvent(model.FCP, 900, "", "")},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestIngestBatch_foreignOriginRejected(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	for _, origin := range []string{
		"https://evil.com",
		"https://evilexample.com",
		"https://example.com.evil.com",
	} {
		w := postBatch(srv, origin, model.BatchSubmission{
			ProjectID: "p1",
			Events:    []model.Event{vitalEvent(model.LCP, 2000, "", "")},
		})
		require.Equalf(t, http.StatusForbidden, w.Code, "origin %s", origin)
	}

	w := postBatch(srv, "", model.BatchSubmission{
		ProjectID: "p1",
		Events:    []model.Event{vitalEvent(model.LCP, 2000, "", "")},
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	require.Equal(t, 0, store.VitalCount("p1"))
}

func TestIngestBatch_quotaExceeded(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	year, month := quotaYearMonth()
	require.NoError(t, store.IncrementQuota(context.Background(), "owner-p1", year, month, config.DefaultFreeQuota))

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events:    []model.Event{vitalEvent(model.LCP, 2000, "", "")},
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, 0, store.VitalCount("p1"))
}

// One event of headroom admits the whole batch even when the batch overshoots
// the ceiling. The gate is checked once per submission, not per event.
func TestIngestBatch_quotaBoundaryAdmitsBatch(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	year, month := quotaYearMonth()
	require.NoError(t, store.IncrementQuota(context.Background(), "owner-p1", year, month, config.DefaultFreeQuota-1))

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events: []model.Event{
			vitalEvent(model.LCP, 2000, "", ""),
			vitalEvent(model.FCP, 800, "", ""),
			vitalEvent(model.CLS, 0.1, "", ""),
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 3, store.VitalCount("p1"))

	count, err := store.QuotaCount(context.Background(), "owner-p1", year, month)
	require.NoError(t, err)
	require.EqualValues(t, config.DefaultFreeQuota+2, count)
}

func TestIngestBatch_proQuotaForActiveSubscription(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)
	require.NoError(t, store.UpsertSubscription(context.Background(), &storage.Subscription{
		OwnerID:   "owner-p1",
		Plan:      storage.PlanPro,
		PeriodEnd: farFuture(),
	}))

	year, month := quotaYearMonth()
	require.NoError(t, store.IncrementQuota(context.Background(), "owner-p1", year, month, config.DefaultFreeQuota))

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events:    []model.Event{vitalEvent(model.LCP, 2000, "", "")},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, store.VitalCount("p1"))
}

func TestIngestBatch_foreignAttributionSkipped(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	w := postBatch(srv, "https://example.com", model.BatchSubmission{
		ProjectID: "p1",
		Events: []model.Event{
			vitalEvent(model.LCP, 2000, "https://example.com/a", "/a"),
			vitalEvent(model.LCP, 2100, "https://attacker.net/b", "/b"),
			vitalEvent(model.LCP, 2200, "https://shop.example.com/c", "/c"),
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Inserted)
	require.Equal(t, 1, resp.Skipped)
	require.Equal(t, 2, store.VitalCount("p1"))
}

func TestIngestSingle(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	raw, err := json.Marshal(model.Single("p1", vitalEvent(model.TTFB, 120, "https://example.com/", "/")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vitals", bytes.NewReader(raw))
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Inserted)
	require.Equal(t, 1, store.VitalCount("p1"))
}

func TestIngestBatch_emptyEvents(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	w := postBatch(srv, "https://example.com", model.BatchSubmission{ProjectID: "p1"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIngestBatch_refererFallback(t *testing.T) {
	srv, store := newTestServer(t)
	seedProject(t, store, "p1", "example.com", true)

	raw, err := json.Marshal(model.BatchSubmission{
		ProjectID: "p1",
		Events:    []model.Event{vitalEvent(model.INP, 180, "", "")},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vitals/batch", bytes.NewReader(raw))
	req.Header.Set("Referer", "https://example.com/pricing")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, store.VitalCount("p1"))
}

func quotaYearMonth() (int, time.Month) {
	now := time.Now().UTC()
	return now.Year(), now.Month()
}

func farFuture() time.Time {
	return time.Now().UTC().Add(365 * 24 * time.Hour)
}
