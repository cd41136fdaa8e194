package batch

import (
	"context"
	"sort"
	"strings"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/sync/reclaim"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	"go.uber.org/zap"
)

// Stats summarises one VM sync pass.
type Stats struct {
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Deleted int        `json:"deleted"`
	Errors  int        `json:"errors"`
	Apply   ApplyStats `json:"apply"`
}

type Options struct {
	// Cleanup enables deleting synced VMs that left the source.
	Cleanup bool
}

// Sync loads the snapshot once, reclaims orphaned VMs, plans every source
// VM and applies the queued mutations in one pass. Only a failure to load
// the snapshot is returned as an error; everything else is counted.
func Sync(ctx context.Context, session *netbox.Session, data *inventory.Data, mapping vmdata.IDMapping, opts Options) (Stats, error) {
	log := zap.S().Named("batch")
	var stats Stats

	if len(data.VMs) == 0 {
		log.Info("no VMs found in the source inventory")
		return stats, nil
	}
	log.Infof("found %d VMs in the source inventory", len(data.VMs))

	snap, err := LoadSnapshot(ctx, session.API(), session.Capabilities())
	if err != nil {
		return stats, err
	}

	if opts.Cleanup {
		log.Info("checking for orphaned VMs")
		result := reclaim.New(session).VirtualMachines(ctx, data, sortedVMs(snap))
		for _, id := range result.DeletedIDs {
			snap.RemoveVM(id)
		}
		stats.Deleted += result.Deleted
		stats.Errors += result.Errors
	}

	plan := NewPlan()
	planner := NewPlanner(snap, plan, mapping, session)

	for _, src := range data.VMs {
		if src.Name == "" {
			log.Warn("skipping VM without name")
			stats.Skipped++
			continue
		}

		if existing, ok := snap.VMsByName[src.Name]; ok {
			if planner.PlanVM(ctx, existing, src) {
				stats.Updated++
			} else {
				stats.Skipped++
			}
			continue
		}

		desired := vmdata.BuildForCreate(ctx, src, mapping, session)
		if session.DryRun() {
			log.Infof("[DRY-RUN] Would create VM: %s", src.Name)
			stats.Created++
			continue
		}

		var created netbox.VirtualMachine
		if err := session.API().Create(ctx, netbox.KindVirtualMachine, desired.Request(session.TagIDs()), &created); err != nil {
			log.Errorf("failed to create VM %s: %v", src.Name, err)
			stats.Errors++
			continue
		}
		log.Infof("created VM: %s", src.Name)
		stats.Created++
		planner.PlanVM(ctx, snap.AddVM(created), src)
	}

	stats.Apply = Apply(ctx, session, snap, plan)
	LogSummary(log, stats)
	return stats, nil
}

func sortedVMs(snap *Snapshot) []*netbox.VirtualMachine {
	vms := make([]*netbox.VirtualMachine, 0, len(snap.VMs))
	for _, vm := range snap.VMs {
		vms = append(vms, vm)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	return vms
}

// LogSummary writes the end of run statistics block.
func LogSummary(log *zap.SugaredLogger, stats Stats) {
	rule := strings.Repeat("=", 60)
	log.Info(rule)
	log.Info("Sync Summary:")
	log.Infof("  VMs created: %d", stats.Created)
	log.Infof("  VMs updated: %d", stats.Updated)
	log.Infof("  VMs deleted: %d", stats.Deleted)
	log.Infof("  VMs skipped: %d", stats.Skipped)
	log.Infof("  Errors: %d", stats.Errors)
	log.Info("Update statistics:")
	log.Infof("  vms_updated: %d", stats.Apply.VMsUpdated)
	log.Infof("  ips_reassigned: %d", stats.Apply.IPsReassigned)
	log.Infof("  primary_ips_changed: %d", stats.Apply.PrimaryIPsChanged)
	log.Infof("  interfaces_created: %d", stats.Apply.InterfacesCreated)
	log.Infof("  ips_created: %d", stats.Apply.IPsCreated)
	log.Infof("  disks_created: %d", stats.Apply.DisksCreated)
	log.Infof("  disks_updated: %d", stats.Apply.DisksUpdated)
	log.Infof("  disks_deleted: %d", stats.Apply.DisksDeleted)
	log.Infof("  errors: %d", stats.Apply.Errors)
	log.Info(rule)
}
