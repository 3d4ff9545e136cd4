package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/autoapply/internal/approval"
	"github.com/jonathan/autoapply/internal/model"
	"github.com/jonathan/autoapply/internal/schemas"
	"github.com/jonathan/autoapply/internal/server/middleware"
)

// CreateApprovalRequest represents the body of POST /approvals
type CreateApprovalRequest struct {
	TaskID     uuid.UUID       `json:"task_id" validate:"required"`
	FormData   json.RawMessage `json:"form_data,omitempty"`
	PreviewURL *string         `json:"preview_url,omitempty" validate:"omitempty,url"`
	Channel    string          `json:"channel,omitempty" validate:"omitempty,oneof=email sms push"`
	TTLMinutes int             `json:"ttl_minutes,omitempty" validate:"gte=0,lte=1440"`
}

// ResolveApprovalRequest represents the body of POST /approvals/{id}/approve.
// Its shape is checked against the approval_action schema.
type ResolveApprovalRequest struct {
	Approved bool    `json:"approved"`
	Notes    *string `json:"notes,omitempty"`
	Token    string  `json:"token,omitempty"`
}

// ownedApproval loads an approval request whose task belongs to userID.
func (s *Server) ownedApproval(ctx context.Context, userID, approvalID uuid.UUID) (*model.ApprovalRequest, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &model.NotFoundError{Kind: "approval request", ID: approvalID.String()}
	}
	if _, err := s.ownedTask(ctx, userID, a.TaskID); err != nil {
		return nil, &model.NotFoundError{Kind: "approval request", ID: approvalID.String()}
	}
	return a, nil
}

// handleCreateApproval opens an approval request for a task awaiting one
func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CreateApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ownedTask(r.Context(), userID, req.TaskID); err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.gate.Create(r.Context(), approval.CreateRequest{
		TaskID:     req.TaskID,
		FormData:   req.FormData,
		PreviewURL: req.PreviewURL,
		Channel:    req.Channel,
		TTL:        time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if a.Token != "" {
		status = http.StatusCreated
	}
	s.jsonResponse(w, status, a)
}

// handleGetApproval returns an approval request
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	approvalID, err := pathID(r, "approval")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.ownedApproval(r.Context(), userID, approvalID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}

// handleResolveApproval records an approve or reject decision. Callers
// authenticate with either a bearer token or the one-time link token.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID, err := pathID(r, "approval")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := schemas.Validate(schemas.ApprovalAction, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ResolveApprovalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}

	var a *model.ApprovalRequest
	if req.Token != "" {
		a, err = s.gate.ResolveWithToken(r.Context(), approvalID, req.Token, req.Approved, req.Notes)
	} else {
		userID, uerr := middleware.GetUserID(r)
		if uerr != nil {
			s.writeError(w, r, &ErrUnauthorized{})
			return
		}
		if _, err := s.ownedApproval(r.Context(), userID, approvalID); err != nil {
			s.writeError(w, r, err)
			return
		}
		a, err = s.gate.Resolve(r.Context(), approvalID, req.Approved, req.Notes)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}
