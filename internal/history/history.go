// Package history persists provisioning jobs and their lifecycle status.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/models"
)

var ErrNotFound = errors.New("job not found")

const SQLTimeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(SQLTimeLayout)
}

type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert writes a new CONFIGURING job inside tx and returns its id.
func Insert(ctx context.Context, tx *sql.Tx, job *models.Job) (int64, error) {
	details, err := json.Marshal(job.Details)
	if err != nil {
		return 0, fmt.Errorf("encoding job details: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (service_name, status, assigned_ip, template_type, owner, created_at, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ServiceName, models.JobConfiguring, job.AssignedIPs, job.Template, job.Owner, formatTime(job.CreatedAt), string(details))
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	job.ID = id
	job.Status = models.JobConfiguring
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.Job, error) {
	rows, err := s.db.Query(ctx, selectJobs+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// List returns jobs newest first. An empty owner lists every job.
func (s *Store) List(ctx context.Context, owner string) ([]models.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if owner == "" {
		rows, err = s.db.Query(ctx, selectJobs+" ORDER BY id DESC")
	} else {
		rows, err = s.db.Query(ctx, selectJobs+" WHERE owner = ? ORDER BY id DESC", owner)
	}
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// Finish moves a CONFIGURING job to a terminal status. It reports false when
// the job is missing or already terminal; terminal jobs never change again.
func (s *Store) Finish(ctx context.Context, id int64, status models.JobStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	res, err := s.db.Exec(ctx, "UPDATE jobs SET status = ? WHERE id = ? AND status = ?", status, id, models.JobConfiguring)
	if err != nil {
		return false, fmt.Errorf("updating job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJobs = `SELECT id, service_name, status, assigned_ip, template_type, owner, created_at, details_json FROM jobs`

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var (
			j       models.Job
			details string
		)
		if err := rows.Scan(&j.ID, &j.ServiceName, &j.Status, &j.AssignedIPs, &j.Template, &j.Owner, &j.CreatedAt, &details); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &j.Details); err != nil {
			return nil, fmt.Errorf("decoding details of job %d: %w", j.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Usage is the estimated capacity consumed by every recorded job.
type Usage struct {
	Jobs   int `json:"total_projects"`
	VCPU   int `json:"used_vcpu"`
	Memory int `json:"used_memory"`
}

// trafficSizing maps the requested traffic tier to (vCPU, GiB).
var trafficSizing = map[string][2]int{
	"low":  {1, 2},
	"mid":  {4, 8},
	"high": {8, 16},
}

func (s *Store) Usage(ctx context.Context) (Usage, error) {
	jobs, err := s.List(ctx, "")
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Jobs: len(jobs)}
	for _, j := range jobs {
		tier, _ := j.Details.Config["traffic"].(string)
		size, ok := trafficSizing[tier]
		if !ok {
			size = trafficSizing["mid"]
		}
		u.VCPU += size[0]
		u.Memory += size[1]
	}
	return u, nil
}
