package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonathan/autoapply/internal/model"
)

// GetJobPosting retrieves a job posting by ID
func (q *queries) GetJobPosting(ctx context.Context, id int64) (*model.JobPosting, error) {
	var (
		j                    model.JobPosting
		company, title       sql.NullString
		lastApplied          sql.NullInt64
		firstSeen            int64
		isActive, hasApplied int
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, apply_url, company_name, job_title, is_active,
		        has_been_applied_to, last_applied_at, first_seen_at
		 FROM job_postings WHERE id = ?`, id,
	).Scan(&j.ID, &j.ApplyURL, &company, &title, &isActive, &hasApplied, &lastApplied, &firstSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job posting: %w", err)
	}
	j.CompanyName = fromNullString(company)
	j.JobTitle = fromNullString(title)
	j.IsActive = isActive != 0
	j.HasBeenApplied = hasApplied != 0
	j.LastAppliedAt = fromNullNanos(lastApplied)
	j.FirstSeenAt = fromNanos(firstSeen)
	return &j, nil
}

// MarkJobApplied flags the posting as applied to at the given time
func (q *queries) MarkJobApplied(ctx context.Context, jobID int64, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE job_postings SET has_been_applied_to = 1, last_applied_at = ? WHERE id = ?`,
		toNanos(at), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.NotFoundError{Kind: "job posting", ID: strconv.FormatInt(jobID, 10)}
	}
	return nil
}

// UpsertJobPosting inserts a posting keyed by apply URL and fills in its ID.
// Job ingestion lives outside the engine; this seeds local databases and tests.
func (s *Store) UpsertJobPosting(ctx context.Context, j *model.JobPosting) error {
	first := j.FirstSeenAt
	if first.IsZero() {
		first = time.Now()
	}
	var firstSeen int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_postings (apply_url, company_name, job_title, is_active, first_seen_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (apply_url) DO UPDATE SET
		     company_name = COALESCE(excluded.company_name, job_postings.company_name),
		     job_title = COALESCE(excluded.job_title, job_postings.job_title),
		     is_active = excluded.is_active
		 RETURNING id, first_seen_at`,
		j.ApplyURL, toNullString(j.CompanyName), toNullString(j.JobTitle), j.IsActive, toNanos(first),
	).Scan(&j.ID, &firstSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert job posting: %w", err)
	}
	j.FirstSeenAt = fromNanos(firstSeen)
	return nil
}
