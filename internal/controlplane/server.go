// Package controlplane exposes the HTTP API: GitHub webhook intake,
// operator-authenticated job management, approvals, kill switch
// control, and health/metrics, the way the teacher's internal/api
// server wraps chi around its webhook handler.
package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codexhome/internal/domain"
	"codexhome/internal/failure"
	"codexhome/internal/githubapp"
	"codexhome/internal/intake"
	"codexhome/internal/metrics"
	"codexhome/internal/queue"
	"codexhome/internal/store"
)

type Server struct {
	Store         *store.Store
	Queue         queue.Backend
	Intake        *intake.Coordinator
	Verifier      githubapp.Verifier
	OperatorToken string
	Registry      *prometheus.Registry
	Log           *zap.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.handleMetrics)

	r.Post("/api/v1/webhooks/github", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.operatorAuth)
		r.Post("/api/v1/jobs", s.handleCreateJob)
		r.Post("/api/v1/intake/text", s.handleIntakeText)
		r.Get("/api/v1/jobs/{jobID}", s.handleGetJob)
		r.Post("/api/v1/jobs/{jobID}/approve", s.handleApprove)
		r.Post("/api/v1/jobs/{jobID}/reject", s.handleReject)
		r.Post("/api/v1/control/kill-switch", s.handleKillSwitch)
		r.Post("/api/v1/control/resume", s.handleResume)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Log.Info("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !githubapp.OperatorAuth(r.Header.Get("X-Operator-Token"), s.OperatorToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.Store.PendingApprovalCount(ctx)
	if err == nil {
		metrics.PendingApprovals.Set(float64(pending))
	}
	failedJobs, err := s.Store.ListRecentFailures(ctx, 5000)
	if err == nil {
		categoryCounts := map[string]int{}
		stageCounts := map[string]int{}
		for _, j := range failedJobs {
			categoryCounts[failure.Classify(j.FailureReason)]++
			stage := j.CurrentStage
			if stage == "" {
				stage = "unknown"
			}
			stageCounts[stage]++
		}
		metrics.JobFailuresTotal.Set(float64(len(failedJobs)))
		for category, count := range categoryCounts {
			metrics.JobFailuresByCategory.WithLabelValues(category).Set(float64(count))
		}
		for stage, count := range stageCounts {
			metrics.JobFailuresByStage.WithLabelValues(stage).Set(float64(count))
		}
	}
	if depth, err := s.Queue.Size(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	if enabled, err := s.Queue.AgentsEnabled(ctx); err == nil {
		if enabled {
			metrics.AgentsEnabled.Set(1)
		} else {
			metrics.AgentsEnabled.Set(0)
		}
	}

	promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.Verifier.Verify(r)
	if err != nil {
		http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType != "issues" {
		writeJSON(w, http.StatusOK, domain.WebhookResult{Accepted: false, Message: "Event ignored."})
		return
	}

	var raw struct {
		Action     string `json:"action"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Issue struct {
			Number int `json:"number"`
			Labels []struct {
				Name string `json:"name"`
			} `json:"labels"`
		} `json:"issue"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	labels := make([]string, 0, len(raw.Issue.Labels))
	for _, l := range raw.Issue.Labels {
		labels = append(labels, l.Name)
	}
	result, err := s.Intake.HandleWebhook(r.Context(), intake.WebhookPayload{
		Action:      raw.Action,
		RepoName:    raw.Repository.FullName,
		IssueNumber: raw.Issue.Number,
		Labels:      labels,
		LabeledName: raw.Label.Name,
	})
	if err != nil {
		s.Log.Error("webhook handling failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.JobsCreated.WithLabelValues("webhook").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.JobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	job, err := s.Intake.CreateOperatorJob(r.Context(), req)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	metrics.JobsCreated.WithLabelValues("manual").Inc()
	writeJSON(w, http.StatusOK, domain.ToJobResponse(job))
}

func (s *Server) handleIntakeText(w http.ResponseWriter, r *http.Request) {
	var req intake.TextIntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	job, err := s.Intake.IntakeText(r.Context(), req)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	source := "text_intake_fast"
	if !s.Intake.FastMode {
		source = "text_intake_release"
	}
	metrics.JobsCreated.WithLabelValues(source).Inc()
	writeJSON(w, http.StatusOK, domain.ToJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	events, err := s.Store.ListJobEvents(r.Context(), jobID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    domain.ToJobResponse(job),
		"events": events,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req domain.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	if _, err := s.Store.AddApproval(ctx, jobID, req.Action, req.Actor, true, req.Reason); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := s.Store.AddJobEvent(ctx, jobID, "approval", "approved",
		string(req.Action)+" approved by "+req.Actor+".", nil); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job.Status == domain.StatusAwaitingApproval {
		if err := s.Store.UpdateJobStatus(ctx, jobID, domain.StatusQueued, "approval", "", ""); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := s.Queue.Enqueue(ctx, jobID); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req domain.RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if _, err := s.Store.GetJob(ctx, jobID); err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	if err := s.Store.UpdateJobStatus(ctx, jobID, domain.StatusRejected, "approval", req.Reason, ""); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := s.Store.AddJobEvent(ctx, jobID, "approval", "rejected",
		"Rejected by "+req.Actor+": "+req.Reason, nil); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.Queue.SetKillSwitch(ctx, false); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.AgentsEnabled.Set(0)
	if _, err := s.Store.AddIncident(ctx, "kill_switch", "warning", "open", "Kill switch manually activated."); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.Queue.SetKillSwitch(ctx, true); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.AgentsEnabled.Set(1)
	if _, err := s.Store.AddIncident(ctx, "kill_switch", "info", "closed", "Execution resumed."); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// writeIntakeError maps intake failures to the status codes
// orchestrator.py's create_job/intake_text raise: not-allowlisted is a
// 403, a disabled repo profile is a 404, everything else falls back to
// the broader input-validation-vs-upstream-failure split.
func writeIntakeError(w http.ResponseWriter, err error) {
	switch failure.NormalizeCode(err.Error()) {
	case "INVALID_REPO_NOT_ALLOWLISTED":
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case "INVALID_REPO_PROFILE_DISABLED":
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if failure.Classify(err.Error()) == "input_validation" {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
