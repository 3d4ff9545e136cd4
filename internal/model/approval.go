package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus constants
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// DefaultApprovalTTL is how long a pending approval stays actionable.
const DefaultApprovalTTL = 20 * time.Minute

// FormField is one filled form field in an approval snapshot.
type FormField struct {
	Label     string  `json:"label"`
	Value     *string `json:"value"`
	FieldType string  `json:"field_type"`
}

// DefaultFieldType is used when a snapshot field omits its type.
const DefaultFieldType = "text"

// ApprovalRequest is a human checkpoint gating one task's final submission.
type ApprovalRequest struct {
	ID         uuid.UUID       `json:"id"`
	TaskID     uuid.UUID       `json:"task_id"`
	FormData   json.RawMessage `json:"form_data"`
	PreviewURL *string         `json:"preview_url,omitempty"`
	Status     string          `json:"status"`
	Channel    string          `json:"channel"`
	Notes      *string         `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`

	// TokenHash is the bcrypt hash of the one-time approval token.
	TokenHash string `json:"-"`
	// Token is set only on the create call that minted it.
	Token string `json:"approval_token,omitempty"`
}

// IsPending reports whether the request is still awaiting a decision.
func (a *ApprovalRequest) IsPending() bool {
	return a.Status == ApprovalPending
}

// ExpiredAt reports whether the request's TTL has elapsed at now.
func (a *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
