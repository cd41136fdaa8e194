// Package reclaim deletes NetBox objects the sync created whose source
// counterpart is gone.
//
// An object is only ever deleted when it carries the sync tag and the
// source identifier recovered from it is missing from a complete
// extraction. Objects without the tag, or whose identifier cannot be
// recovered, are left alone.
package reclaim

import (
	"context"
	"fmt"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"go.uber.org/zap"
)

type InfraResult struct {
	Sites    int `json:"sites"`
	Clusters int `json:"clusters"`
	Prefixes int `json:"prefixes"`
	Errors   int `json:"errors"`
}

func (r InfraResult) Total() int {
	return r.Sites + r.Clusters + r.Prefixes
}

type VMResult struct {
	Deleted int
	Errors  int

	// DeletedIDs lists the VMs that were (or in a dry run would be) removed.
	DeletedIDs []int
}

type Reclaimer struct {
	session *netbox.Session
	log     *zap.SugaredLogger
}

func New(session *netbox.Session) *Reclaimer {
	return &Reclaimer{session: session, log: zap.S().Named("reclaim")}
}

// Infrastructure reclaims sites, clusters and prefixes.
func (r *Reclaimer) Infrastructure(ctx context.Context, data *inventory.Data) (InfraResult, error) {
	var result InfraResult
	if !r.enabled(data) {
		return result, nil
	}
	api := r.session.API()
	tagID := r.session.TagID()

	sites, err := netbox.ListAll[netbox.Site](ctx, api, netbox.KindSite, nil)
	if err != nil {
		return result, fmt.Errorf("failed to list sites: %w", err)
	}
	zones := data.ZoneIDs()
	for _, site := range sites {
		zoneID := netbox.SiteZoneID(site)
		if !isSynced(site.Tags, tagID) || zoneID == "" {
			continue
		}
		if _, ok := zones[zoneID]; ok {
			continue
		}
		if r.delete(ctx, netbox.KindSite, site.ID, fmt.Sprintf("site %s (zone: %s)", site.Name, zoneID)) {
			result.Sites++
		} else {
			result.Errors++
		}
	}

	clusters, err := netbox.ListAll[netbox.Cluster](ctx, api, netbox.KindCluster, nil)
	if err != nil {
		return result, fmt.Errorf("failed to list clusters: %w", err)
	}
	folders := data.FolderIDs()
	for _, cluster := range clusters {
		if !isSynced(cluster.Tags, tagID) {
			continue
		}
		folderID := netbox.FolderIDFromComments(cluster.Comments)
		if folderID == "" {
			r.log.Warnf("cluster %s has sync tag but no folder id in comments", cluster.Name)
			continue
		}
		if _, ok := folders[folderID]; ok {
			r.log.Debugf("cluster %s is valid: folder %s exists", cluster.Name, folderID)
			continue
		}
		if r.delete(ctx, netbox.KindCluster, cluster.ID, fmt.Sprintf("cluster %s (folder: %s)", cluster.Name, folderID)) {
			result.Clusters++
		} else {
			result.Errors++
		}
	}

	prefixes, err := netbox.ListAll[netbox.Prefix](ctx, api, netbox.KindPrefix, nil)
	if err != nil {
		return result, fmt.Errorf("failed to list prefixes: %w", err)
	}
	cidrs := data.SubnetCIDRs()
	for _, prefix := range prefixes {
		if !isSynced(prefix.Tags, tagID) || prefix.Prefix == "" {
			continue
		}
		if _, ok := cidrs[prefix.Prefix]; ok {
			continue
		}
		if r.delete(ctx, netbox.KindPrefix, prefix.ID, "prefix "+prefix.Prefix) {
			result.Prefixes++
		} else {
			result.Errors++
		}
	}

	if result.Total() > 0 {
		r.log.Infof("cleaned up %d orphaned infrastructure objects: %+v", result.Total(), result)
	} else {
		r.log.Debug("no orphaned infrastructure objects to clean up")
	}
	return result, nil
}

// VirtualMachines reclaims synced VMs whose name no source VM carries.
func (r *Reclaimer) VirtualMachines(ctx context.Context, data *inventory.Data, vms []*netbox.VirtualMachine) VMResult {
	var result VMResult
	if !r.enabled(data) {
		return result
	}
	tagID := r.session.TagID()
	names := data.VMNames()

	for _, vm := range vms {
		if !isSynced(vm.Tags, tagID) || vm.Name == "" {
			continue
		}
		if _, ok := names[vm.Name]; ok {
			continue
		}
		if r.delete(ctx, netbox.KindVirtualMachine, vm.ID, fmt.Sprintf("VM %s (ID: %d)", vm.Name, vm.ID)) {
			result.Deleted++
			result.DeletedIDs = append(result.DeletedIDs, vm.ID)
		} else {
			result.Errors++
		}
	}

	if result.Deleted > 0 {
		r.log.Infof("cleaned up %d orphaned VMs", result.Deleted)
	}
	return result
}

func (r *Reclaimer) enabled(data *inventory.Data) bool {
	if data.HasFetchErrors {
		r.log.Warn("skipping orphan cleanup because some source API calls failed")
		return false
	}
	if r.session.TagID() == 0 {
		r.log.Warn("skipping orphan cleanup because the sync tag is unavailable")
		return false
	}
	return true
}

// delete removes one object, or only logs it in a dry run, and reports
// whether it counts as deleted.
func (r *Reclaimer) delete(ctx context.Context, kind netbox.Kind, id int, what string) bool {
	if r.session.DryRun() {
		r.log.Infof("[DRY-RUN] Would delete orphaned %s", what)
		return true
	}
	if err := r.session.API().Delete(ctx, kind, id); err != nil {
		r.log.Errorf("failed to delete orphaned %s: %v", what, err)
		return false
	}
	r.log.Infof("deleted orphaned %s", what)
	return true
}

// isSynced reports whether tags carry the sync tag. A brief tag with a
// different slug is another tag that happens to share a dry run
// placeholder id.
func isSynced(tags []netbox.Ref, tagID int) bool {
	for _, t := range tags {
		if t.ID == tagID && (t.Slug == "" || t.Slug == netbox.SyncTagName) {
			return true
		}
	}
	return false
}
