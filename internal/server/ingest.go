package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/asteriostudio/pulsebear/internal/origin"
	"github.com/asteriostudio/pulsebear/model"
	"github.com/asteriostudio/pulsebear/storage"
)

type ingestResponse struct {
	Message  string `json:"message"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
}

// IngestSingleHandler accepts one event posted as a bare event object with
// the project identifier inlined. SDK clients use this shape when batching
// is disabled.
func (srv *Server) IngestSingleHandler(w http.ResponseWriter, r *http.Request) {
	var sub model.SingleSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		srv.errorJSON(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	srv.ingest(w, r, sub.ProjectID, []model.Event{sub.Event})
}

// IngestBatchHandler accepts {projectId, events: [...]}.
func (srv *Server) IngestBatchHandler(w http.ResponseWriter, r *http.Request) {
	var sub model.BatchSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		srv.errorJSON(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	srv.ingest(w, r, sub.ProjectID, sub.Events)
}

// ingest runs the admission pipeline. Steps up to the origin check abort the
// whole batch; after that only individual events are skipped.
func (srv *Server) ingest(w http.ResponseWriter, r *http.Request, projectID string, events []model.Event) {
	ctx := r.Context()

	if err := validateSubmission(projectID, events); err != nil {
		srv.errorJSON(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	project, err := srv.Storage.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			srv.errorJSON(w, http.StatusNotFound, "project not found")
			return
		}
		srv.storageError(w, "get project", err)
		return
	}

	if !project.InsightsEnabled {
		srv.errorJSON(w, http.StatusForbidden, "speed insights are not enabled for this project")
		return
	}

	now := time.Now().UTC()
	limit, err := srv.quotaLimit(ctx, project.OwnerID, now)
	if err != nil {
		srv.storageError(w, "resolve quota limit", err)
		return
	}
	count, err := srv.Storage.QuotaCount(ctx, project.OwnerID, now.Year(), now.Month())
	if err != nil {
		srv.storageError(w, "quota count", err)
		return
	}
	if count >= limit {
		srv.errorJSON(w, http.StatusTooManyRequests, "monthly quota reached, please upgrade your plan")
		return
	}

	host, err := origin.HostFromRequest(r)
	if err != nil {
		srv.Config.Logger.Infow("rejected submission without valid origin",
			"project", projectID, "error", err)
		srv.errorJSON(w, http.StatusForbidden, "missing or invalid request origin")
		return
	}
	if !origin.Matches(host, project.Domain) {
		srv.Config.Logger.Infow("rejected submission from foreign origin",
			"project", projectID, "origin_host", host, "project_domain", project.Domain)
		srv.errorJSON(w, http.StatusForbidden, "origin is not allowed for this project")
		return
	}

	// Per-event check: an event whose own attribution points at a foreign
	// domain is skipped, never fails the batch.
	accepted := make([]storage.WebVital, 0, len(events))
	skipped := 0
	for _, e := range events {
		vital, ok := srv.toVital(project, e, now)
		if !ok {
			skipped++
			continue
		}
		accepted = append(accepted, vital)
	}

	if len(accepted) > 0 {
		if err := srv.Storage.InsertVitals(ctx, accepted); err != nil {
			srv.storageError(w, "insert vitals", err)
			return
		}
		// One atomic add covering the admitted events; a metering failure
		// must not lose the already-persisted data.
		if err := srv.Storage.IncrementQuota(ctx, project.OwnerID, now.Year(), now.Month(), int64(len(accepted))); err != nil {
			srv.Config.Logger.Errorf("increment quota for %s: %v", project.OwnerID, err)
		}
	}

	srv.writeJSON(w, http.StatusOK, ingestResponse{
		Message:  "events recorded",
		Inserted: len(accepted),
		Skipped:  skipped,
	})
}

// quotaLimit derives the monthly ceiling from the owner's subscription:
// an active subscription gets the pro ceiling, everything else the free one.
func (srv *Server) quotaLimit(ctx context.Context, ownerID string, now time.Time) (int64, error) {
	sub, err := srv.Storage.GetSubscription(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if sub.ActiveAt(now) {
		return srv.Config.ProQuota, nil
	}
	return srv.Config.FreeQuota, nil
}

// toVital converts a validated wire event to a storage row, enforcing that
// embedded page attribution agrees with the request's validated origin.
func (srv *Server) toVital(project *storage.Project, e model.Event, now time.Time) (storage.WebVital, bool) {
	var route, pageURL string
	if e.Attribution != nil && e.Attribution.Page != nil {
		page := e.Attribution.Page
		host, err := origin.HostOf(page.URL)
		if err != nil || !origin.Matches(host, project.Domain) {
			srv.Config.Logger.Infow("skipped event with foreign page attribution",
				"project", project.ID, "page_url", page.URL)
			return storage.WebVital{}, false
		}
		route = page.Path
		pageURL = page.URL
	}

	return storage.WebVital{
		ProjectID:  project.ID,
		Metric:     e.Metric.Name,
		DeviceType: e.DeviceType,
		Value:      e.Metric.Value,
		Route:      route,
		URL:        pageURL,
		CreatedAt:  now,
	}, true
}

func validateSubmission(projectID string, events []model.Event) error {
	if projectID == "" {
		return errors.New("projectId is required")
	}
	if len(events) == 0 {
		return errors.New("events must contain at least one event")
	}
	for i, e := range events {
		if err := validateEvent(e); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return nil
}

func validateEvent(e model.Event) error {
	if e.Type != model.TypeWebVital {
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	if e.Metric == nil {
		return errors.New("metric is required")
	}
	if !e.Metric.Name.Valid() {
		return fmt.Errorf("unknown metric name %q", e.Metric.Name)
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp must be a positive epoch millisecond value")
	}
	if !e.DeviceType.Valid() {
		return fmt.Errorf("unknown device type %q", e.DeviceType)
	}
	if e.Attribution != nil {
		if e.Attribution.Page == nil {
			return errors.New("attribution requires a page")
		}
		if err := validPageURL(e.Attribution.Page.URL); err != nil {
			return err
		}
	}
	return nil
}

func validPageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid attribution page url %q", raw)
	}
	return nil
}
