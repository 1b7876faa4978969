// Package pool tracks the fixed set of pre-existing machines that provisioning
// jobs draw from. Every mutation runs in a single transaction, and allocation
// selects and marks machines under one lock so concurrent requests can never
// end up holding the same machine.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/models"
)

var (
	ErrNotFound              = errors.New("machine not found")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrHeldByOther           = errors.New("machine held by another job")
)

// ShortfallError reports how many machines were requested against how many
// were available at the time of the check.
type ShortfallError struct {
	Needed    int
	Available int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient resources: needed %d, available %d", e.Needed, e.Available)
}

func (e *ShortfallError) Unwrap() error {
	return ErrInsufficientResources
}

// Claim describes who a reservation is made for.
type Claim struct {
	Count    int
	OwnerTag string
	Occupant string
}

// CreateFunc creates the owning job inside the allocation transaction and
// returns its id. It sees the machines about to be reserved.
type CreateFunc func(ctx context.Context, tx *sql.Tx, machines []models.Machine) (int64, error)

type Pool struct {
	db  *db.DB
	log *zap.Logger

	// mu serializes mutations from this process; SQLite's immediate
	// transactions cover other processes sharing the file.
	mu sync.Mutex
}

func New(database *db.DB, logger *zap.Logger) *Pool {
	return &Pool{db: database, log: logger.Named("pool")}
}

const machineColumns = "id, address, name, status, job_id, owner_tag, occupant"

// Seed inserts machines that are not yet known. Existing rows are left untouched.
func (p *Pool) Seed(ctx context.Context, machines []models.Machine) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, m := range machines {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO machines (address, name, status)
			VALUES (?, ?, ?)
			ON CONFLICT(address) DO NOTHING
		`, m.Address, m.Name, models.MachineAvailable)
		if err != nil {
			return 0, fmt.Errorf("seeding %s: %w", m.Address, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if inserted > 0 {
		p.log.Info("seeded workload pool", zap.Int("machines", inserted))
	}
	return inserted, nil
}

// ListAvailable returns up to limit available machines in ascending id order.
func (p *Pool) ListAvailable(ctx context.Context, limit int) ([]models.Machine, error) {
	rows, err := p.db.Query(ctx, "SELECT "+machineColumns+" FROM machines WHERE status = ? ORDER BY id ASC LIMIT ?", models.MachineAvailable, limit)
	if err != nil {
		return nil, err
	}
	return scanMachines(rows)
}

func (p *Pool) List(ctx context.Context) ([]models.Machine, error) {
	rows, err := p.db.Query(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	return scanMachines(rows)
}

// ListOwnedBy returns the machines held by jobs whose owner is owner.
func (p *Pool) ListOwnedBy(ctx context.Context, owner string) ([]models.Machine, error) {
	rows, err := p.db.Query(ctx, `
		SELECT m.id, m.address, m.name, m.status, m.job_id, m.owner_tag, m.occupant
		FROM machines m
		JOIN jobs j ON m.job_id = j.id
		WHERE j.owner = ?
		ORDER BY m.id ASC
	`, owner)
	if err != nil {
		return nil, err
	}
	return scanMachines(rows)
}

func (p *Pool) Get(ctx context.Context, address string) (*models.Machine, error) {
	rows, err := p.db.Query(ctx, "SELECT "+machineColumns+" FROM machines WHERE address = ?", address)
	if err != nil {
		return nil, err
	}
	ms, err := scanMachines(rows)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, ErrNotFound
	}
	return &ms[0], nil
}

// Allocate picks claim.Count available machines, lets create insert the owning
// job, and reserves the machines for it, all in one transaction. Nothing is
// written when fewer machines are available than requested.
func (p *Pool) Allocate(ctx context.Context, claim Claim, create CreateFunc) (int64, []models.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE status = ? ORDER BY id ASC LIMIT ?", models.MachineAvailable, claim.Count)
	if err != nil {
		return 0, nil, err
	}
	machines, err := scanMachines(rows)
	if err != nil {
		return 0, nil, err
	}
	if len(machines) < claim.Count {
		return 0, nil, &ShortfallError{Needed: claim.Count, Available: len(machines)}
	}

	jobID, err := create(ctx, tx, machines)
	if err != nil {
		return 0, nil, err
	}

	addresses := make([]string, len(machines))
	for i, m := range machines {
		addresses[i] = m.Address
	}
	if err := reserveTx(ctx, tx, addresses, jobID, claim); err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}

	for i := range machines {
		machines[i].Status = models.MachineReserved
		machines[i].JobID = &jobID
		machines[i].OwnerTag = nullable(claim.OwnerTag)
		machines[i].Occupant = nullable(claim.Occupant)
	}
	return jobID, machines, nil
}

// Reserve marks the given machines reserved for jobID. It fails without side
// effects if any of them is no longer available.
func (p *Pool) Reserve(ctx context.Context, addresses []string, jobID int64, claim Claim) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := reserveTx(ctx, tx, addresses, jobID, claim); err != nil {
		return err
	}
	return tx.Commit()
}

func reserveTx(ctx context.Context, tx *sql.Tx, addresses []string, jobID int64, claim Claim) error {
	for _, addr := range addresses {
		res, err := tx.ExecContext(ctx, `
			UPDATE machines SET status = ?, job_id = ?, owner_tag = ?, occupant = ?
			WHERE address = ? AND status = ?
		`, models.MachineReserved, jobID, nullable(claim.OwnerTag), nullable(claim.Occupant), addr, models.MachineAvailable)
		if err != nil {
			return fmt.Errorf("reserving %s: %w", addr, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			var available int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines WHERE status = ?", models.MachineAvailable).Scan(&available); err != nil {
				return err
			}
			return &ShortfallError{Needed: len(addresses), Available: available}
		}
	}
	return nil
}

// Commit moves every machine reserved by jobID to assigned. Already assigned
// machines are left as they are.
func (p *Pool) Commit(ctx context.Context, jobID int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.Exec(ctx, "UPDATE machines SET status = ? WHERE job_id = ?", models.MachineAssigned, jobID)
	if err != nil {
		return 0, fmt.Errorf("committing job %d: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Rollback returns every machine held by jobID to the pool.
func (p *Pool) Rollback(ctx context.Context, jobID int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.Exec(ctx, `
		UPDATE machines SET status = ?, job_id = NULL, owner_tag = NULL, occupant = NULL
		WHERE job_id = ?
	`, models.MachineAvailable, jobID)
	if err != nil {
		return 0, fmt.Errorf("rolling back job %d: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.log.Warn("returned machines to pool", zap.Int64("job_id", jobID), zap.Int64("machines", n))
	}
	return int(n), nil
}

// Release returns one machine held by jobID to the pool, whatever its state.
// The ownership check and the update happen under the pool lock, so a machine
// that a concurrent allocation has already handed to another job is left
// alone and ErrHeldByOther is returned. Releasing an available machine is a
// no-op.
func (p *Pool) Release(ctx context.Context, address string, jobID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.Exec(ctx, `
		UPDATE machines SET status = ?, job_id = NULL, owner_tag = NULL, occupant = NULL
		WHERE address = ? AND job_id = ?
	`, models.MachineAvailable, address, jobID)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var holder sql.NullInt64
	err = p.db.QueryRow(ctx, "SELECT job_id FROM machines WHERE address = ?", address).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("releasing %s: %w", address, err)
	}
	if holder.Valid {
		return fmt.Errorf("%w: %s belongs to job %d", ErrHeldByOther, address, holder.Int64)
	}
	return nil
}

func scanMachines(rows *sql.Rows) ([]models.Machine, error) {
	defer rows.Close()

	machines := []models.Machine{}
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(&m.ID, &m.Address, &m.Name, &m.Status, &m.JobID, &m.OwnerTag, &m.Occupant); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
