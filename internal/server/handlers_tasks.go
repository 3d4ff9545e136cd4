package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/workflow"
)

// TransitionRequest represents the body of POST /tasks/{id}/transition.
// An empty From skips the expected-state check.
type TransitionRequest struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to" validate:"required"`
	ErrorCode    string `json:"error_code,omitempty" validate:"max=100"`
	ErrorMessage string `json:"error_message,omitempty" validate:"max=2000"`
}

// ownedTask loads a task whose run belongs to userID.
func (s *Server) ownedTask(ctx context.Context, userID, taskID uuid.UUID) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, &model.NotFoundError{Kind: "task", ID: taskID.String()}
	}
	if _, err := s.ownedRun(ctx, userID, task.RunID); err != nil {
		return nil, &model.NotFoundError{Kind: "task", ID: taskID.String()}
	}
	return task, nil
}

// handleGetTask returns a single task
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	taskID, err := pathID(r, "task")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	task, err := s.ownedTask(r.Context(), userID, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// handleTransitionTask moves a task along the state graph
func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	taskID, err := pathID(r, "task")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	to, err := model.ParseState(req.To)
	if err != nil {
		s.writeError(w, r, &ErrValidation{Field: "to", Message: err.Error()})
		return
	}
	from := model.AnyState
	if req.From != "" {
		if from, err = model.ParseState(req.From); err != nil {
			s.writeError(w, r, &ErrValidation{Field: "from", Message: err.Error()})
			return
		}
	}
	if _, err := s.ownedTask(r.Context(), userID, taskID); err != nil {
		s.writeError(w, r, err)
		return
	}

	task, err := s.engine.Transition(r.Context(), taskID, from, to, workflow.Metadata{
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		Reason:       "api",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// handleResumeTask re-queues a failed, expired or blocked task
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	taskID, err := pathID(r, "task")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedTask(r.Context(), userID, taskID); err != nil {
		s.writeError(w, r, err)
		return
	}

	task, err := s.queue.Resume(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}
