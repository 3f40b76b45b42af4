package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/jobs"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/metrics"
	"recall_pipeline/internal/report"
	"recall_pipeline/internal/store"
)

const dayLayout = "2006-01-02"

// query parameters that are not report filters
var reserved = map[string]bool{"start": true, "end": true, "view": true}

// Router builds HTTP handlers for /api, /ops and /metrics.
type Router struct {
	store   *store.Store
	reports *report.Service
	runner  *jobs.Runner
}

func NewRouter(st *store.Store, reports *report.Service, runner *jobs.Runner) *Router {
	return &Router{store: st, reports: reports, runner: runner}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/report", r.report)
	mux.HandleFunc("/ops/runs", r.runs)
	mux.HandleFunc("/ops/versions", r.versions)
	mux.HandleFunc("/ops/roster/rebuild", r.rebuildRoster)
	mux.HandleFunc("/ops/jobs", r.jobs)
	mux.HandleFunc("/ops/jobs/", r.jobDetail)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/diagnostics/unmapped", r.unmapped)
	mux.HandleFunc("/ops/validate", r.validate)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
}

func (r *Router) report(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, end, err := window(req)
	if err != nil {
		r.fail(w, "report", err)
		return
	}
	res, err := r.reports.Report(req.Context(), start, end, filters(req))
	if err != nil {
		r.fail(w, "report", err)
		return
	}
	switch req.URL.Query().Get("view") {
	case "agents":
		res.Details = nil
	case "details":
		res.Agents = nil
	}
	metrics.ReportRequests.WithLabelValues("report", "200").Inc()
	respondJSON(w, res)
}

func (r *Router) unmapped(w http.ResponseWriter, req *http.Request) {
	start, end, err := window(req)
	if err != nil {
		r.fail(w, "unmapped", err)
		return
	}
	rep, err := r.reports.Unmapped(req.Context(), start, end)
	if err != nil {
		r.fail(w, "unmapped", err)
		return
	}
	metrics.ReportRequests.WithLabelValues("unmapped", "200").Inc()
	respondJSON(w, rep)
}

func (r *Router) validate(w http.ResponseWriter, req *http.Request) {
	start, end, err := window(req)
	if err != nil {
		r.fail(w, "validate", err)
		return
	}
	val, err := r.reports.Validate(req.Context(), start, end)
	if err != nil {
		r.fail(w, "validate", err)
		return
	}
	metrics.ReportRequests.WithLabelValues("validate", "200").Inc()
	respondJSON(w, val)
}

// runs lists the run history on GET and queues a pipeline run on POST.
func (r *Router) runs(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		limit := 20
		if v, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}
		list, err := r.store.ListRuns(req.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, list)
	case http.MethodPost:
		var body struct {
			StartDate   string `json:"start_date"`
			EndDate     string `json:"end_date"`
			ForceRoster bool   `json:"force_roster"`
		}
		if req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		for _, d := range []string{body.StartDate, body.EndDate} {
			if _, err := parseDay(d); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		params := map[string]any{"trigger": "api"}
		if body.StartDate != "" {
			params["start_date"] = body.StartDate
		}
		if body.EndDate != "" {
			params["end_date"] = body.EndDate
		}
		if body.ForceRoster {
			params["force_roster"] = true
		}
		r.enqueue(w, req, jobs.StageRunPipeline, params)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Router) versions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := r.store.ListVersions(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) rebuildRoster(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.enqueue(w, req, jobs.StageRebuildRoster, map[string]any{"trigger": "api"})
}

func (r *Router) enqueue(w http.ResponseWriter, req *http.Request, stage jobs.Stage, params map[string]any) {
	job, err := r.runner.Enqueue(req.Context(), stage, params)
	if errors.Is(err, jobs.ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(job); err != nil {
		logger.Warn("write json", zap.Error(err))
	}
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	// /ops/jobs/{id} or /ops/jobs/{id}/logs
	path := strings.TrimPrefix(req.URL.Path, "/ops/jobs/")
	idStr, logs := strings.CutSuffix(path, "/logs")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	if logs {
		lines, err := r.store.JobLogs(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, lines)
		return
	}
	job, err := r.store.GetJob(req.Context(), id)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, job)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// badRequest marks errors caused by the request itself.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func (r *Router) fail(w http.ResponseWriter, endpoint string, err error) {
	code := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.Is(err, calls.ErrNoData):
		code = http.StatusServiceUnavailable
	case errors.As(err, &br), errors.Is(err, report.ErrInvalidWindow):
		code = http.StatusBadRequest
	default:
		logger.Error(err, zap.String("endpoint", endpoint))
	}
	metrics.ReportRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	http.Error(w, err.Error(), code)
}

func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return nil, badRequest{err}
	}
	return &t, nil
}

func window(req *http.Request) (*time.Time, *time.Time, error) {
	q := req.URL.Query()
	start, err := parseDay(q.Get("start"))
	if err != nil {
		return nil, nil, err
	}
	end, err := parseDay(q.Get("end"))
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// filters reads every other query parameter as a filter; values may repeat or be
// comma-separated.
// filters turns non-reserved query parameters into report filters. A parameter given once
// is split on commas; repeated parameters are taken verbatim so values may contain commas.
func filters(req *http.Request) report.Filters {
	out := report.Filters{}
	for key, values := range req.URL.Query() {
		if reserved[key] {
			continue
		}
		if len(values) == 1 {
			values = strings.Split(values[0], ",")
		}
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				out[key] = append(out[key], v)
			}
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("write json", zap.Error(err))
	}
}
