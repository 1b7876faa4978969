package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/runner"
)

// monitor drives one job from launch to a terminal status. Every path,
// including panics, ends in either commit or rollback.
func (o *Orchestrator) monitor(job models.Job, req Request, identity *models.User) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(o.ctx, "provision.monitor",
		trace.WithAttributes(attribute.Int64("job_id", job.ID), attribute.String("template", job.Template)))
	defer span.End()

	log := o.log.With(zap.Int64("job_id", job.ID))
	ok := o.run(ctx, log, job, req)
	if !ok {
		span.SetStatus(codes.Error, "playbook failed")
	}

	settleCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("settling job panicked", zap.Any("panic", r), zap.Stack("stack"))
			span.SetStatus(codes.Error, "settle panicked")
			o.abandon(settleCtx, log, job.ID)
		}
	}()
	o.settle(settleCtx, log, job, ok, identity)
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, job models.Job, req Request) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("monitor panicked", zap.Any("panic", r), zap.Stack("stack"))
			ok = false
		}
	}()

	subject := events.JobSubject(job.ID)
	pubCtx := context.WithoutCancel(ctx)

	o.bus.Publish(pubCtx, subject, events.MarkerStarted)
	proc, err := o.launcher.Launch(ctx, o.invocation(job, req))
	if err != nil {
		if errors.Is(err, runner.ErrScriptMissing) {
			log.Error("playbook missing", zap.Error(err))
		} else {
			log.Error("launching playbook failed", zap.Error(err))
		}
		return false
	}

	finished := false
	stopWatch := make(chan struct{})
	defer func() {
		close(stopWatch)
		if !finished {
			go func() {
				for range proc.Lines() {
				}
			}()
			if err := proc.Stop(); err != nil {
				log.Warn("stopping playbook failed", zap.Error(err))
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			log.Warn("stopping playbook on shutdown")
			proc.Stop()
		case <-stopWatch:
		}
	}()

	for line := range proc.Lines() {
		log.Debug("playbook output", zap.String("line", strings.TrimRight(line, "\r\n")))
		for _, msg := range Classify(line) {
			o.bus.Publish(pubCtx, subject, msg)
		}
	}

	code, err := proc.Wait()
	finished = true
	o.bus.Publish(pubCtx, subject, events.MarkerComplete)

	if err != nil {
		log.Error("waiting for playbook failed", zap.Error(err))
		return false
	}
	if code != 0 {
		log.Error("playbook failed", zap.Int("exit_code", code))
		return false
	}
	log.Info("playbook finished", zap.String("addresses", job.AssignedIPs))
	return true
}

// settle reconciles the pool and the job status with the playbook outcome and
// notifies the requester.
func (o *Orchestrator) settle(ctx context.Context, log *zap.Logger, job models.Job, ok bool, identity *models.User) {
	status := models.JobCompleted
	if ok {
		n, err := o.pool.Commit(ctx, job.ID)
		if err != nil {
			log.Error("committing machines failed", zap.Error(err))
			ok = false
		} else {
			log.Info("machines assigned", zap.Int("count", n))
		}
	}
	if !ok {
		status = models.JobFailed
		n, err := o.pool.Rollback(ctx, job.ID)
		if err != nil {
			log.Error("rolling back machines failed", zap.Error(err))
		} else {
			log.Warn("machines returned to pool", zap.Int("count", n))
		}
	}

	changed, err := o.history.Finish(ctx, job.ID, status)
	if err != nil {
		log.Error("updating job status failed", zap.Error(err))
	} else if !changed {
		log.Warn("job no longer configuring, status left as is", zap.String("status", string(status)))
	}
	o.metrics.JobsFinished.WithLabelValues(string(status)).Inc()

	if identity == nil || identity.ID == "" {
		return
	}
	alarm := events.NewAlarm(events.LevelSuccess,
		fmt.Sprintf("Job #%d (%s) is ready on %s", job.ID, job.ServiceName, job.AssignedIPs), time.Now())
	if !ok {
		alarm = events.NewAlarm(events.LevelError,
			fmt.Sprintf("Job #%d (%s) failed, machines returned to the pool", job.ID, job.ServiceName), time.Now())
	}
	o.bus.Publish(ctx, events.UserSubject(identity.ID), alarm.Encode())
}

// abandon marks a job FAILED after its settlement broke off, returning its
// machines only if the job was still configuring. A job that already reached
// a terminal status keeps its machines.
func (o *Orchestrator) abandon(ctx context.Context, log *zap.Logger, jobID int64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("abandoning job panicked", zap.Any("panic", r))
		}
	}()

	changed, err := o.history.Finish(ctx, jobID, models.JobFailed)
	if err != nil {
		log.Error("marking job failed", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	o.metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
	if n, err := o.pool.Rollback(ctx, jobID); err != nil {
		log.Error("rolling back machines failed", zap.Error(err))
	} else {
		log.Warn("machines returned to pool", zap.Int("count", n))
	}
}

func (o *Orchestrator) invocation(job models.Job, req Request) runner.Invocation {
	addrs := splitAddresses(job.AssignedIPs)
	roles := job.Details.Roles
	return runner.Invocation{
		JobID:    job.ID,
		Playbook: o.cfg.playbookPath(),
		Hosts:    addrs,
		User:     o.cfg.RunAs,
		ExtraVars: map[string]any{
			"vcenter_hostname":    o.cfg.VCenter.Hostname,
			"vcenter_username":    o.cfg.VCenter.Username,
			"vcenter_password":    o.cfg.VCenter.Password,
			"target_ips":          addrs,
			"target_vm_names":     job.Details.VMNames,
			"lb_hosts":            roles.LoadBalancers,
			"web_hosts":           roles.Apps,
			"db_hosts":            roles.Databases,
			"template_type":       job.Template,
			"service_name":        job.ServiceName,
			"packages_to_install": req.NormalizedPackages(),
			"env_type":            req.Environment(),
			"job_id":              job.ID,
		},
	}
}
