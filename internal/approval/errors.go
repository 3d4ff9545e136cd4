package approval

import (
	"fmt"

	"github.com/google/uuid"
)

// InvalidTokenError indicates the approval token did not match
type InvalidTokenError struct {
	ApprovalID uuid.UUID
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid approval token for request %s", e.ApprovalID)
}
