// Package sync drives one reconciliation cycle from the cloud inventory to
// NetBox: fetch, infrastructure, VMs, then bookkeeping.
package sync

import (
	"context"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"github.com/netbox-sync/netbox-sync/internal/sync/batch"
	"github.com/netbox-sync/netbox-sync/internal/sync/reclaim"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	"github.com/netbox-sync/netbox-sync/pkg/log"
	"github.com/netbox-sync/netbox-sync/pkg/metrics"
	"github.com/netbox-sync/netbox-sync/pkg/runid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeBatch    Mode = "batch"
	ModeStandard Mode = "standard"
)

// Source produces a complete inventory extraction.
type Source interface {
	FetchAll(ctx context.Context) (*inventory.Data, error)
}

type Options struct {
	DryRun  bool
	Cleanup bool
	Mode    Mode
}

// Result describes a finished cycle.
type Result struct {
	RunID      string              `json:"run_id"`
	Mode       Mode                `json:"mode"`
	DryRun     bool                `json:"dry_run"`
	Cleanup    bool                `json:"cleanup"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Infra      reclaim.InfraResult `json:"infra"`
	VMs        batch.Stats         `json:"vms"`
}

func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Errors is the number of per-object failures of the cycle.
func (r *Result) Errors() int {
	return r.Infra.Errors + r.VMs.Errors + r.VMs.Apply.Errors
}

type Engine struct {
	source Source
	target netbox.API
	runs   store.Store
	keep   int
}

// NewEngine creates an engine. A nil runs store disables run history; keep
// bounds how many history records survive each run, 0 meaning unbounded.
func NewEngine(source Source, target netbox.API, runs store.Store, keep int) *Engine {
	return &Engine{source: source, target: target, runs: runs, keep: keep}
}

// Run executes one cycle. The returned error is set only when the cycle
// could not complete; failures of single objects are counted in Result.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeBatch
	}
	ctx, id := runid.Ensure(ctx)
	logger := log.WithRunID(zap.S().Named("sync"), id)

	result := &Result{
		RunID:     id,
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		Cleanup:   opts.Cleanup,
		StartedAt: time.Now().UTC(),
	}
	logger.Infof("starting sync (mode=%s dry_run=%t cleanup=%t)", opts.Mode, opts.DryRun, opts.Cleanup)
	e.recordStart(ctx, logger, result)

	err := e.run(ctx, logger, opts, result)
	result.FinishedAt = time.Now().UTC()

	e.observe(result, err)
	e.recordFinish(ctx, logger, result, err)

	if err != nil {
		logger.Errorf("sync failed after %s: %v", result.Duration(), err)
		return result, err
	}
	logger.Infof("sync finished in %s with %d errors", result.Duration(), result.Errors())
	return result, nil
}

func (e *Engine) run(ctx context.Context, logger *zap.SugaredLogger, opts Options, result *Result) error {
	logger.Info("fetching inventory from the cloud")
	data, err := e.source.FetchAll(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to fetch cloud inventory")
	}
	logger.Infof("fetched %d zones, %d clouds, %d folders, %d subnets, %d VMs",
		len(data.Zones), len(data.Clouds), len(data.Folders), len(data.Subnets), len(data.VMs))

	cleanup := opts.Cleanup
	if cleanup && data.HasFetchErrors {
		logger.Warn("inventory fetch had errors, skipping cleanup of orphaned objects for this run")
		cleanup = false
	}
	result.Cleanup = cleanup

	session := netbox.NewSession(e.target, opts.DryRun, netbox.DetectCapabilities(ctx, e.target))
	if _, err := session.EnsureSyncTag(ctx); err != nil {
		logger.Warnf("could not ensure the sync tag, objects will be created untagged and cleanup is disabled: %v", err)
	}

	mapping, infra := SyncInfrastructure(ctx, session, data, cleanup)
	result.Infra = infra

	vms, err := e.syncVMs(ctx, session, data, mapping, opts.Mode, batch.Options{Cleanup: cleanup})
	result.VMs = vms
	if err != nil {
		return errors.Wrap(err, "failed to sync virtual machines")
	}
	return nil
}

func (e *Engine) syncVMs(ctx context.Context, session *netbox.Session, data *inventory.Data, mapping vmdata.IDMapping, mode Mode, opts batch.Options) (batch.Stats, error) {
	if mode == ModeStandard {
		return Standard(ctx, session, data, mapping, opts)
	}
	return batch.Sync(ctx, session, data, mapping, opts)
}

func (e *Engine) observe(result *Result, err error) {
	mode := string(result.Mode)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultFailure
	}
	metrics.IncreaseRunsTotalMetric(mode, outcome)
	metrics.UpdateLastRunMetrics(mode, err == nil, result.FinishedAt, result.Duration())
	if result.DryRun {
		return
	}

	vms, apply := result.VMs, result.VMs.Apply
	metrics.AddObjectsMetric("vm", "create", vms.Created)
	metrics.AddObjectsMetric("vm", "update", apply.VMsUpdated)
	metrics.AddObjectsMetric("vm", "delete", vms.Deleted)
	metrics.AddObjectsMetric("interface", "create", apply.InterfacesCreated)
	metrics.AddObjectsMetric("ip", "create", apply.IPsCreated)
	metrics.AddObjectsMetric("ip", "reassign", apply.IPsReassigned)
	metrics.AddObjectsMetric("primary_ip", "update", apply.PrimaryIPsChanged)
	metrics.AddObjectsMetric("disk", "create", apply.DisksCreated)
	metrics.AddObjectsMetric("disk", "update", apply.DisksUpdated)
	metrics.AddObjectsMetric("disk", "delete", apply.DisksDeleted)
	metrics.AddObjectsMetric("site", "delete", result.Infra.Sites)
	metrics.AddObjectsMetric("cluster", "delete", result.Infra.Clusters)
	metrics.AddObjectsMetric("prefix", "delete", result.Infra.Prefixes)
}

func (e *Engine) recordStart(ctx context.Context, logger *zap.SugaredLogger, result *Result) {
	if e.runs == nil {
		return
	}
	_, err := e.runs.Run().Create(ctx, model.Run{
		ID:        result.RunID,
		Mode:      string(result.Mode),
		DryRun:    result.DryRun,
		Cleanup:   result.Cleanup,
		Status:    model.RunStatusRunning,
		StartedAt: result.StartedAt,
	})
	if err != nil {
		logger.Warnf("failed to record run start: %v", err)
	}
}

// recordFinish stores the outcome and prunes old records in one
// transaction. History failures never fail the cycle.
func (e *Engine) recordFinish(ctx context.Context, logger *zap.SugaredLogger, result *Result, runErr error) {
	if e.runs == nil {
		return
	}

	ctx, err := e.runs.NewTransactionContext(ctx)
	if err != nil {
		logger.Warnf("failed to open history transaction: %v", err)
		return
	}

	if _, err := e.runs.Run().Update(ctx, RunRecord(result, runErr)); err != nil {
		logger.Warnf("failed to record run outcome: %v", err)
		_, _ = store.Rollback(ctx)
		return
	}
	if e.keep > 0 {
		pruned, err := e.runs.Run().Prune(ctx, e.keep)
		if err != nil {
			logger.Warnf("failed to prune run history: %v", err)
			_, _ = store.Rollback(ctx)
			return
		}
		if pruned > 0 {
			logger.Debugf("pruned %d old runs", pruned)
		}
	}
	if _, err := store.Commit(ctx); err != nil {
		logger.Warnf("failed to commit run history: %v", err)
	}
}

// RunRecord converts a finished cycle into its history record.
func RunRecord(result *Result, runErr error) model.Run {
	finished := result.FinishedAt
	run := model.Run{
		ID:         result.RunID,
		Mode:       string(result.Mode),
		DryRun:     result.DryRun,
		Cleanup:    result.Cleanup,
		Status:     model.RunStatusSucceeded,
		StartedAt:  result.StartedAt,
		FinishedAt: &finished,

		Created:      result.VMs.Created,
		Updated:      result.VMs.Updated,
		Skipped:      result.VMs.Skipped,
		Deleted:      result.VMs.Deleted,
		Errors:       result.Errors(),
		InfraDeleted: result.Infra.Total(),

		InterfacesCreated: result.VMs.Apply.InterfacesCreated,
		IPsCreated:        result.VMs.Apply.IPsCreated,
		IPsReassigned:     result.VMs.Apply.IPsReassigned,
		PrimaryIPsChanged: result.VMs.Apply.PrimaryIPsChanged,
		DisksCreated:      result.VMs.Apply.DisksCreated,
		DisksUpdated:      result.VMs.Apply.DisksUpdated,
		DisksDeleted:      result.VMs.Apply.DisksDeleted,
	}
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	}
	return run
}
