// Package handlers wires every domain service onto the HTTP surface
// described in SPEC_FULL §6: job submission, sim reporting, cancellation,
// recovery, worker registration and the job progress stream. Grounded on
// the teacher's chi.NewRouter router-builder, validatePayload/validator.v10
// request validation, and httpx.Write error-writing idiom.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"simbatch/internal/auth"
	"simbatch/internal/httpx"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/scheduler"
	"simbatch/internal/simreporter"
	"simbatch/internal/telemetry"
)

var validate = validator.New()

func validatePayload(v interface{}) *httpx.HTTPError {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return httpx.BadRequest("validation failed").WithDetails(fields)
		}
		return httpx.Internal(err)
	}
	return nil
}

// Store is the subset of db.Store the HTTP layer reads/writes directly,
// for operations that don't need a domain service in front of them.
type Store interface {
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	ListSimulations(ctx context.Context, jobID string) ([]model.Simulation, error)
	InitializeSimulations(ctx context.Context, jobID string, count int) error
	DeleteJob(ctx context.Context, jobID string) error
	DeleteSimulations(ctx context.Context, jobID string) error
	ClaimNextJob(ctx context.Context) (model.Job, error)
	SetJobStartedAt(ctx context.Context, jobID, workerID, workerName string) error
	SetJobCompleted(ctx context.Context, jobID string, durations []int64) error
	SetJobFailed(ctx context.Context, jobID, msg string, durations []int64) error
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	CountQueuedJobs(ctx context.Context) (int, error)
}

// SchedulerService is the subset of scheduler.Scheduler the router needs.
type SchedulerService interface {
	CreateJob(ctx context.Context, req scheduler.CreateJobRequest, callerID string) (scheduler.CreateJobResult, error)
	ListJobs(ctx context.Context) ([]model.JobSummary, error)
}

// SimReporter is the subset of simreporter.Reporter the router needs.
type SimReporter interface {
	UpdateSim(ctx context.Context, jobID, simID string, patch model.SimulationPatch) (simreporter.Result, error)
}

// CancellationService is the subset of cancellation.Service the router needs.
type CancellationService interface {
	CancelJob(ctx context.Context, jobID string) error
}

// RecoveryService is the subset of recovery.Service the router needs.
type RecoveryService interface {
	RunRecoveryCheck(ctx context.Context, jobID string) error
}

// WorkerRegistry is the subset of workerregistry.Registry the router needs.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, w model.Worker) (*int, error)
	ListActive(ctx context.Context) ([]model.Worker, error)
	SetMaxConcurrentOverride(ctx context.Context, workerID string, n *int, callerEmail string) error
}

// ProgressBus is the subset of progress.Bus the router needs.
type ProgressBus interface {
	Subscribe(jobID string) (<-chan progress.Event, func())
}

// Deps are every collaborator New needs to build the router.
type Deps struct {
	Store              Store
	Scheduler          SchedulerService
	Reporter           SimReporter
	Cancellation       CancellationService
	Recovery           RecoveryService
	Registry           WorkerRegistry
	Progress           ProgressBus
	WorkerSharedSecret string
}

// New builds the full HTTP router.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTP)
	r.Use(auth.FromHeaders(d.WorkerSharedSecret))

	r.Group(func(g chi.Router) {
		g.Use(auth.Require(auth.RoleUser))
		g.Post("/jobs", createJobHandler(d))
		g.Get("/jobs", listJobsHandler(d))
		g.Get("/jobs/{id}/simulations", listSimulationsHandler(d))
		g.Post("/jobs/{id}/cancel", cancelJobHandler(d))
		g.Get("/jobs/{id}/stream", streamJobHandler(d))
		g.Get("/workers", listWorkersHandler(d))
		g.Patch("/workers/{id}", patchWorkerHandler(d))
	})

	r.Group(func(g chi.Router) {
		g.Use(auth.Require(auth.RoleUser, auth.RoleWorker))
		g.Get("/jobs/{id}", getJobHandler(d))
	})

	r.Group(func(g chi.Router) {
		g.Use(auth.Require(auth.RoleWorker))
		g.Patch("/jobs/{id}", patchJobHandler(d))
		g.Post("/jobs/{id}/simulations", initSimulationsHandler(d))
		g.Patch("/jobs/{id}/simulations/{simId}", patchSimulationHandler(d))
		g.Get("/jobs/next", claimNextJobHandler(d))
		g.Post("/jobs/{id}/recover", recoverJobHandler(d))
		g.Post("/workers/heartbeat", heartbeatHandler(d))
	})

	r.Group(func(g chi.Router) {
		g.Use(auth.Require(auth.RoleAdmin))
		g.Delete("/jobs/{id}", deleteJobHandler(d))
		g.Post("/jobs/bulk-delete", bulkDeleteJobsHandler(d))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json"))
		return false
	}
	return true
}

type createJobRequest struct {
	DeckIDs        [4]string `json:"deckIds" validate:"dive,required"`
	Simulations    int       `json:"simulations" validate:"required,min=1"`
	Parallelism    int       `json:"parallelism"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func createJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := validatePayload(&req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		caller, _ := auth.FromContext(r.Context())
		result, err := d.Scheduler.CreateJob(r.Context(), scheduler.CreateJobRequest{
			DeckIDs:        req.DeckIDs,
			RequestedSims:  req.Simulations,
			Parallelism:    req.Parallelism,
			IdempotencyKey: req.IdempotencyKey,
		}, caller.ID)
		if err != nil {
			httpx.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": result.JobID, "deckNames": result.DeckNames})
	}
}

func listJobsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := d.Scheduler.ListJobs(r.Context())
		if err != nil {
			httpx.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func getJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := d.Store.GetJob(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type patchJobRequest struct {
	Status       *model.JobStatus `json:"status"`
	WorkerID     *string          `json:"workerId"`
	WorkerName   *string          `json:"workerName"`
	ErrorMessage *string          `json:"errorMessage"`
	Durations    []int64          `json:"durations"`
}

// patchJobHandler applies a direct job-level status transition reported by a
// worker, outside the per-simulation PATCH path (e.g. a worker reporting its
// own container crashed before claiming any sim).
func patchJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req patchJobRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Status == nil {
			httpx.Write(w, r, httpx.BadRequest("status is required"))
			return
		}
		var err error
		switch *req.Status {
		case model.JobRunning:
			workerID, workerName := "", ""
			if req.WorkerID != nil {
				workerID = *req.WorkerID
			}
			if req.WorkerName != nil {
				workerName = *req.WorkerName
			}
			err = d.Store.SetJobStartedAt(r.Context(), id, workerID, workerName)
		case model.JobCompleted:
			err = d.Store.SetJobCompleted(r.Context(), id, req.Durations)
		case model.JobFailed:
			msg := ""
			if req.ErrorMessage != nil {
				msg = *req.ErrorMessage
			}
			err = d.Store.SetJobFailed(r.Context(), id, msg, req.Durations)
		default:
			err = d.Store.UpdateJobStatus(r.Context(), id, *req.Status)
		}
		if err != nil {
			httpx.Write(w, r, err)
			return
		}
		job, err := d.Store.GetJob(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func cancelJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Cancellation.CancelJob(r.Context(), id); err != nil {
			httpx.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.JobCancelled})
	}
}

func deleteJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteSimulations(r.Context(), id); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if err := d.Store.DeleteJob(r.Context(), id); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type bulkDeleteRequest struct {
	JobIDs []string `json:"jobIds" validate:"required,max=50,dive,required"`
}

type bulkDeleteResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func bulkDeleteJobsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkDeleteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := validatePayload(&req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		results := make([]bulkDeleteResult, 0, len(req.JobIDs))
		deleted := 0
		for _, id := range req.JobIDs {
			if err := d.Store.DeleteSimulations(r.Context(), id); err != nil {
				results = append(results, bulkDeleteResult{JobID: id, Status: "error", Error: err.Error()})
				continue
			}
			if err := d.Store.DeleteJob(r.Context(), id); err != nil {
				results = append(results, bulkDeleteResult{JobID: id, Status: "error", Error: err.Error()})
				continue
			}
			deleted++
			results = append(results, bulkDeleteResult{JobID: id, Status: "deleted"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted, "results": results})
	}
}

type initSimulationsRequest struct {
	Count int `json:"count" validate:"required,min=1"`
}

func initSimulationsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req initSimulationsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := validatePayload(&req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		if err := d.Store.InitializeSimulations(r.Context(), id, req.Count); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"initialized": req.Count})
	}
}

func listSimulationsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sims, err := d.Store.ListSimulations(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"simulations": sims})
	}
}

type patchSimulationRequest struct {
	State        *model.SimState `json:"state"`
	WorkerID     *string         `json:"workerId"`
	WorkerName   *string         `json:"workerName"`
	DurationMs   *int64          `json:"durationMs"`
	ErrorMessage *string         `json:"errorMessage"`
	Winners      []string        `json:"winners"`
	WinningTurns []int           `json:"winningTurns"`
}

func patchSimulationHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		simID := chi.URLParam(r, "simId")
		var req patchSimulationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		result, err := d.Reporter.UpdateSim(r.Context(), jobID, simID, model.SimulationPatch{
			State:        req.State,
			WorkerID:     req.WorkerID,
			WorkerName:   req.WorkerName,
			DurationMs:   req.DurationMs,
			ErrorMessage: req.ErrorMessage,
			Winners:      req.Winners,
			WinningTurns: req.WinningTurns,
		})
		if err != nil {
			httpx.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func claimNextJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := d.Store.ClaimNextJob(r.Context())
		if errors.Is(err, sql.ErrNoRows) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func recoverJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Recovery.RunRecoveryCheck(r.Context(), id); err != nil {
			httpx.Write(w, r, err)
			return
		}
		job, err := d.Store.GetJob(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": job.Status})
	}
}

// streamJobHandler serves a text/event-stream of job and simulation
// snapshots for jobId, starting with the current state and then relaying
// every ProgressBus event until the job reaches a terminal status or the
// client disconnects. No teacher or pack precedent wires an SSE writer onto
// an http.Handler directly, so this is plain net/http: a Flusher loop is the
// only idiomatic way to do this regardless of library choice.
func streamJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := d.Store.GetJob(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpx.Write(w, r, httpx.Internal(fmt.Errorf("streaming unsupported")))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeEvent(w, progress.Event{JobID: id, Job: &job})
		flusher.Flush()
		if job.Status.Terminal() {
			return
		}

		events, unsubscribe := d.Progress.Subscribe(id)
		defer unsubscribe()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeEvent(w, ev)
				flusher.Flush()
				if progress.IsTerminalEvent(ev) {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev progress.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

type heartbeatRequest struct {
	WorkerID          string `json:"workerId" validate:"required"`
	WorkerName        string `json:"workerName" validate:"required"`
	Capacity          int    `json:"capacity" validate:"min=0"`
	ActiveSimulations int    `json:"activeSimulations" validate:"min=0"`
	WorkerAPIURL      string `json:"workerApiUrl"`
	OwnerEmail        string `json:"ownerEmail"`
}

func heartbeatHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := validatePayload(&req); err != nil {
			httpx.Write(w, r, err)
			return
		}
		override, err := d.Registry.Heartbeat(r.Context(), model.Worker{
			WorkerID:          req.WorkerID,
			WorkerName:        req.WorkerName,
			Status:            model.WorkerIdle,
			Capacity:          req.Capacity,
			ActiveSimulations: req.ActiveSimulations,
			WorkerAPIURL:      req.WorkerAPIURL,
			OwnerEmail:        req.OwnerEmail,
		})
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "maxConcurrentOverride": override})
	}
}

func listWorkersHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := d.Registry.ListActive(r.Context())
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		depth, err := d.Store.CountQueuedJobs(r.Context())
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "queueDepth": depth})
	}
}

type patchWorkerRequest struct {
	MaxConcurrentOverride *int `json:"maxConcurrentOverride"`
}

func patchWorkerHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req patchWorkerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		caller, _ := auth.FromContext(r.Context())
		if err := d.Registry.SetMaxConcurrentOverride(r.Context(), id, req.MaxConcurrentOverride, caller.ID); err != nil {
			httpx.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
