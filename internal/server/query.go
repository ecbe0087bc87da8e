package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asteriostudio/pulsebear/internal/aggregate"
	"github.com/asteriostudio/pulsebear/model"
	"github.com/asteriostudio/pulsebear/storage"
)

const topRoutesLimit = 10

// queryParams are the common query-string knobs of the read endpoints.
type queryParams struct {
	window     time.Duration
	unit       aggregate.Unit
	percentile float64
	device     model.DeviceType
}

type statEntry struct {
	Metric model.Metric `json:"metric"`
	Value  *float64     `json:"value"`
	Count  int          `json:"count"`
}

type statsResponse struct {
	Stats      []statEntry      `json:"stats"`
	DeviceType model.DeviceType `json:"deviceType"`
	Percentile string           `json:"percentile"`
}

type seriesResponse struct {
	Metric  model.Metric       `json:"metric"`
	Unit    aggregate.Unit     `json:"unit"`
	Buckets []aggregate.Bucket `json:"buckets"`
}

type routesResponse struct {
	Metric model.Metric          `json:"metric"`
	Routes []aggregate.RouteStat `json:"routes"`
}

// StatsHandler returns the percentile and sample count per vital over the
// requested window.
func (srv *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, ok := srv.lookupProject(w, r)
	if !ok {
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		srv.errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	since := time.Now().UTC().Add(-params.window)
	stats := make([]statEntry, 0, len(model.Metrics))
	for _, metric := range model.Metrics {
		stat, err := srv.Storage.Stat(ctx, storage.VitalsQuery{
			ProjectID:  project.ID,
			Metric:     metric,
			DeviceType: params.device,
			Since:      since,
			Percentile: params.percentile,
		})
		if err != nil {
			srv.storageError(w, "stat query", err)
			return
		}
		stats = append(stats, statEntry{Metric: metric, Value: stat.Value, Count: stat.Count})
	}

	srv.writeJSON(w, http.StatusOK, statsResponse{
		Stats:      stats,
		DeviceType: params.device,
		Percentile: r.URL.Query().Get("percentile"),
	})
}

// SeriesHandler returns the bucketed time series for one metric. Buckets
// without samples are present with null value and count so charts render a
// continuous axis.
func (srv *Server) SeriesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, ok := srv.lookupProject(w, r)
	if !ok {
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		srv.errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	metric, err := parseMetric(r)
	if err != nil {
		srv.errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	since := now.Add(-params.window)
	sparse, err := srv.Storage.Series(ctx, storage.SeriesQuery{
		VitalsQuery: storage.VitalsQuery{
			ProjectID:  project.ID,
			Metric:     metric,
			DeviceType: params.device,
			Since:      since,
			Percentile: params.percentile,
		},
		Unit:     params.unit,
		Location: srv.Location(),
	})
	if err != nil {
		srv.storageError(w, "series query", err)
		return
	}

	buckets := aggregate.FillGaps(sparse, since, now, params.unit, srv.Location())
	srv.writeJSON(w, http.StatusOK, seriesResponse{Metric: metric, Unit: params.unit, Buckets: buckets})
}

// RoutesHandler returns the top routes by sample count for one metric.
func (srv *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, ok := srv.lookupProject(w, r)
	if !ok {
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		srv.errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	metric, err := parseMetric(r)
	if err != nil {
		srv.errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	routes, err := srv.Storage.TopRoutes(ctx, storage.RoutesQuery{
		VitalsQuery: storage.VitalsQuery{
			ProjectID:  project.ID,
			Metric:     metric,
			DeviceType: params.device,
			Since:      time.Now().UTC().Add(-params.window),
			Percentile: params.percentile,
		},
		Limit: topRoutesLimit,
	})
	if err != nil {
		srv.storageError(w, "top routes query", err)
		return
	}
	if routes == nil {
		routes = []aggregate.RouteStat{}
	}

	srv.writeJSON(w, http.StatusOK, routesResponse{Metric: metric, Routes: routes})
}

func (srv *Server) lookupProject(w http.ResponseWriter, r *http.Request) (*storage.Project, bool) {
	id := chi.URLParam(r, "projectID")
	project, err := srv.Storage.GetProject(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			srv.errorJSON(w, http.StatusNotFound, "project not found")
			return nil, false
		}
		srv.storageError(w, "get project", err)
		return nil, false
	}
	return project, true
}

func parseQueryParams(r *http.Request) (queryParams, error) {
	q := r.URL.Query()
	params := queryParams{
		window:     24 * time.Hour,
		unit:       aggregate.Hour,
		percentile: 0.75,
		device:     model.Desktop,
	}

	switch period := q.Get("period"); period {
	case "", "24h":
	case "7d":
		params.window = 7 * 24 * time.Hour
		params.unit = aggregate.Day
	case "30d":
		params.window = 30 * 24 * time.Hour
		params.unit = aggregate.Day
	case "90d":
		params.window = 90 * 24 * time.Hour
		params.unit = aggregate.Day
	default:
		return params, fmt.Errorf("unknown period %q, want 24h, 7d, 30d or 90d", period)
	}

	switch p := q.Get("percentile"); p {
	case "", "p75":
	case "p50":
		params.percentile = 0.5
	default:
		return params, fmt.Errorf("unknown percentile %q, want p50 or p75", p)
	}

	if d := q.Get("deviceType"); d != "" {
		device := model.DeviceType(d)
		if !device.Valid() {
			return params, fmt.Errorf("unknown device type %q", d)
		}
		params.device = device
	}

	return params, nil
}

func parseMetric(r *http.Request) (model.Metric, error) {
	raw := r.URL.Query().Get("metric")
	if raw == "" {
		return "", errors.New("metric query parameter is required")
	}
	metric := model.Metric(raw)
	if !metric.Valid() {
		return "", fmt.Errorf("unknown metric %q", raw)
	}
	return metric, nil
}
