package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/autoapply/internal/model"
)

// -----------------------------------------------------------------------------
// Job Posting Methods
// -----------------------------------------------------------------------------

// GetJobPosting retrieves a job posting by its ID
func (q *queries) GetJobPosting(ctx context.Context, id int64) (*model.JobPosting, error) {
	var j model.JobPosting
	err := q.q.QueryRow(ctx,
		`SELECT id, apply_url, company_name, job_title, is_active,
		        has_been_applied_to, last_applied_at, first_seen_at
		 FROM job_postings WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.ApplyURL, &j.CompanyName, &j.JobTitle, &j.IsActive,
		&j.HasBeenApplied, &j.LastAppliedAt, &j.FirstSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job posting: %w", err)
	}
	return &j, nil
}

// MarkJobApplied sets has_been_applied_to and last_applied_at
func (q *queries) MarkJobApplied(ctx context.Context, jobID int64, at time.Time) error {
	tag, err := q.q.Exec(ctx,
		`UPDATE job_postings SET has_been_applied_to = TRUE, last_applied_at = $2 WHERE id = $1`,
		jobID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &model.NotFoundError{Kind: "job posting", ID: strconv.FormatInt(jobID, 10)}
	}
	return nil
}

// UpsertJobPosting inserts a posting keyed by apply URL and fills in its ID
func (db *DB) UpsertJobPosting(ctx context.Context, j *model.JobPosting) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO job_postings (apply_url, company_name, job_title, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (apply_url) DO UPDATE SET
		     company_name = COALESCE(EXCLUDED.company_name, job_postings.company_name),
		     job_title = COALESCE(EXCLUDED.job_title, job_postings.job_title),
		     is_active = EXCLUDED.is_active
		 RETURNING id, first_seen_at`,
		j.ApplyURL, j.CompanyName, j.JobTitle, j.IsActive,
	).Scan(&j.ID, &j.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job posting: %w", err)
	}
	return nil
}
