// Package provision turns provisioning requests into jobs: it allocates
// machines from the pool, runs the configuration playbook against them and
// reconciles the outcome back into the pool and the job history.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/metrics"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/pool"
	"github.com/angariumd/hcmp/internal/runner"
)

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrNotFound        = errors.New("job not found")
)

const DefaultEnvironment = "dev"

// Request is a provisioning order as submitted by a client.
type Request struct {
	ServiceName string         `json:"serviceName"`
	UserName    string         `json:"userName"`
	Config      map[string]any `json:"config"`
	TargetInfra map[string]any `json:"targetInfra"`
}

func (r Request) Template() string {
	if t, ok := r.Config["template"].(string); ok && t != "" {
		return t
	}
	return DefaultTemplate
}

func (r Request) Environment() string {
	if e, ok := r.Config["environment"].(string); ok && e != "" {
		return e
	}
	return DefaultEnvironment
}

// Packages returns the requested packages as given.
func (r Request) Packages() []string {
	raw, _ := r.Config["packages"].([]any)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, fmt.Sprint(p))
	}
	return out
}

// NormalizedPackages lower-cases and trims package names.
func (r Request) NormalizedPackages() []string {
	pkgs := r.Packages()
	for i, p := range pkgs {
		pkgs[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return pkgs
}

// Accepted is returned once a job has been created and its machines reserved.
type Accepted struct {
	JobID     int64    `json:"job_id"`
	Addresses []string `json:"assigned_ips"`
	Message   string   `json:"message"`
}

type VCenter struct {
	Hostname string
	Username string
	Password string
}

type Config struct {
	PlaybookDir string
	Playbook    string
	RunAs       string
	VCenter     VCenter
}

func (c Config) playbookPath() string {
	return filepath.Join(c.PlaybookDir, c.Playbook)
}

type Orchestrator struct {
	pool     *pool.Pool
	history  *history.Store
	bus      *events.Bus
	launcher runner.Launcher
	cfg      Config
	metrics  *metrics.Metrics
	log      *zap.Logger
	tracer   trace.Tracer

	// ctx is cancelled on Shutdown; running playbooks are stopped with it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p *pool.Pool, h *history.Store, bus *events.Bus, launcher runner.Launcher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if m == nil {
		m = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		pool:     p,
		history:  h,
		bus:      bus,
		launcher: launcher,
		cfg:      cfg,
		metrics:  m,
		log:      logger.Named("provision"),
		tracer:   otel.Tracer("github.com/angariumd/hcmp/internal/provision"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit allocates machines for req and starts its monitor. It returns as soon
// as the job exists; the playbook outcome is reported only through the job's
// status and events. Errors returned here leave no job and no reservation.
func (o *Orchestrator) Submit(ctx context.Context, identity *models.User, req Request) (*Accepted, error) {
	ctx, span := o.tracer.Start(ctx, "provision.Submit")
	defer span.End()

	tmpl, err := Lookup(req.Template())
	if err != nil {
		o.metrics.JobsRejected.WithLabelValues("unknown_template").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("template", tmpl.Name), attribute.Int("count", tmpl.Count))

	owner := ""
	if identity != nil {
		owner = identity.ID
	}

	var job models.Job
	claim := pool.Claim{Count: tmpl.Count, OwnerTag: req.UserName, Occupant: owner}
	jobID, machines, err := o.pool.Allocate(ctx, claim, func(ctx context.Context, tx *sql.Tx, machines []models.Machine) (int64, error) {
		addrs, names := addressesAndNames(machines)
		job = models.Job{
			ServiceName: req.ServiceName,
			AssignedIPs: strings.Join(addrs, ", "),
			Template:    tmpl.Name,
			Owner:       owner,
			Details: models.JobDetails{
				Config:   req.Config,
				Infra:    req.TargetInfra,
				Packages: req.Packages(),
				VMNames:  names,
				Roles:    Roles(addrs),
			},
		}
		return history.Insert(ctx, tx, &job)
	})
	if err != nil {
		if errors.Is(err, pool.ErrInsufficientResources) {
			o.metrics.JobsRejected.WithLabelValues("insufficient_resources").Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("job_id", jobID))
	o.metrics.JobsSubmitted.WithLabelValues(tmpl.Name).Inc()

	addrs, _ := addressesAndNames(machines)
	o.log.Info("job accepted",
		zap.Int64("job_id", jobID),
		zap.String("service", req.ServiceName),
		zap.String("template", tmpl.Name),
		zap.Strings("addresses", addrs),
		zap.String("owner", owner))

	o.wg.Add(1)
	go o.monitor(job, req, identity)

	return &Accepted{
		JobID:     jobID,
		Addresses: addrs,
		Message:   fmt.Sprintf("job #%d accepted, configuring %s", jobID, job.AssignedIPs),
	}, nil
}

// Delete removes a job and force-releases every machine it references.
func (o *Orchestrator) Delete(ctx context.Context, id int64) error {
	job, err := o.history.Get(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return err
	}

	for _, addr := range splitAddresses(job.AssignedIPs) {
		// Machines already handed to a newer job stay where they are.
		err := o.pool.Release(ctx, addr, id)
		if err != nil && !errors.Is(err, pool.ErrNotFound) && !errors.Is(err, pool.ErrHeldByOther) {
			return fmt.Errorf("releasing %s: %w", addr, err)
		}
	}
	if _, err := o.pool.Rollback(ctx, id); err != nil {
		return fmt.Errorf("releasing machines of job %d: %w", id, err)
	}

	if err := o.history.Delete(ctx, id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return err
	}
	o.log.Info("job deleted", zap.Int64("job_id", id), zap.String("addresses", job.AssignedIPs))
	return nil
}

// Wait blocks until every monitor has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops running playbooks and waits for their monitors to settle
// the affected jobs.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

func addressesAndNames(machines []models.Machine) ([]string, []string) {
	addrs := make([]string, len(machines))
	names := make([]string, len(machines))
	for i, m := range machines {
		addrs[i] = m.Address
		names[i] = m.Name
	}
	return addrs, names
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
