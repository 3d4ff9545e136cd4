package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/runs"
	"github.com/jonathan/autoapply/internal/server/middleware"
)

// CreateRunRequest represents the body of POST /runs
type CreateRunRequest struct {
	Name        string  `json:"name" validate:"required,notblank,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

// AddJobsRequest represents the body of POST /runs/{id}/jobs
type AddJobsRequest struct {
	JobIDs []int64 `json:"job_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

// AddJobsResponse lists the tasks created for newly added jobs
type AddJobsResponse struct {
	Tasks   []model.Task `json:"tasks"`
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
}

// CompleteRunRequest represents the body of POST /runs/{id}/complete
type CompleteRunRequest struct {
	AutoStartNext bool `json:"auto_start_next"`
}

// CompleteRunResponse reports the run started after completion, if any.
// NextRunError is set when the completion committed but no next run could
// be started.
type CompleteRunResponse struct {
	Completed    uuid.UUID  `json:"completed"`
	NextRun      *model.Run `json:"next_run"`
	NextRunError string     `json:"next_run_error,omitempty"`
}

// ListRunsResponse represents the response for listing runs
type ListRunsResponse struct {
	Runs  []model.Run `json:"runs"`
	Count int         `json:"count"`
}

// ListTasksResponse represents the response for listing a run's tasks
type ListTasksResponse struct {
	Tasks  []model.Task `json:"tasks"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// pathID parses the {id} path value.
func pathID(r *http.Request, kind string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "invalid " + kind + " ID"}
	}
	return id, nil
}

// requireUser returns the authenticated caller.
func requireUser(r *http.Request) (uuid.UUID, error) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		return uuid.Nil, &ErrUnauthorized{}
	}
	return userID, nil
}

// ownedRun loads a run that belongs to userID. Other users' runs are
// reported as not found.
func (s *Server) ownedRun(ctx context.Context, userID, runID uuid.UUID) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.UserID != userID {
		return nil, &model.NotFoundError{Kind: "run", ID: runID.String()}
	}
	return run, nil
}

// handleCreateRun creates a queued run for the caller
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CreateRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.runs.Create(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, run)
}

// handleListRuns lists the caller's runs, optionally filtered by status
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", model.RunStatusQueued, model.RunStatusRunning, model.RunStatusCompleted:
	default:
		s.errorResponse(w, http.StatusBadRequest, "Invalid status")
		return
	}

	list, err := s.store.ListRuns(r.Context(), userID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Run{}
	}
	s.jsonResponse(w, http.StatusOK, ListRunsResponse{Runs: list, Count: len(list)})
}

// handleStartNextRun promotes the caller's oldest queued run
func (s *Server) handleStartNextRun(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.runs.StartNext(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleGetRun returns a run with its task counts by state
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := pathID(r, "run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedRun(r.Context(), userID, runID); err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.runs.Summary(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

// handleDeleteRun deletes a run with its tasks and approvals
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := pathID(r, "run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedRun(r.Context(), userID, runID); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.runs.Delete(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddJobs queues one task per job posting
func (s *Server) handleAddJobs(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := pathID(r, "run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req AddJobsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedRun(r.Context(), userID, runID); err != nil {
		s.writeError(w, r, err)
		return
	}

	tasks, err := s.runs.AddJobs(r.Context(), runID, req.JobIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	s.jsonResponse(w, http.StatusCreated, AddJobsResponse{
		Tasks:   tasks,
		Created: len(tasks),
		Skipped: len(req.JobIDs) - len(tasks),
	})
}

// handleCompleteRun completes a run and optionally starts the next one
func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := pathID(r, "run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CompleteRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedRun(r.Context(), userID, runID); err != nil {
		s.writeError(w, r, err)
		return
	}

	next, err := s.runs.Complete(r.Context(), runID, req.AutoStartNext)
	var startErr *runs.StartNextError
	if errors.As(err, &startErr) {
		s.logger.Warn("run completed but next run not started", "run_id", runID, "error", startErr.Err)
		s.jsonResponse(w, http.StatusOK, CompleteRunResponse{Completed: runID, NextRunError: startErr.Err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, CompleteRunResponse{Completed: runID, NextRun: next})
}

// handleListRunTasks lists a run's tasks in queue order
func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID, err := pathID(r, "run")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedRun(r.Context(), userID, runID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var state model.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err = model.ParseState(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid state")
			return
		}
	}
	limit := parseQueryInt(r, "limit", 50, 500)
	offset := parseQueryInt(r, "offset", 0, 0)

	tasks, err := s.runs.Tasks(r.Context(), runID, state, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	s.jsonResponse(w, http.StatusOK, ListTasksResponse{Tasks: tasks, Count: len(tasks), Limit: limit, Offset: offset})
}
