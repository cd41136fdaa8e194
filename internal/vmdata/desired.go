package vmdata

import (
	"context"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"go.uber.org/zap"
)

// IDMapping resolves source zones and folders to NetBox sites and clusters.
type IDMapping struct {
	Zones   map[string]int
	Folders map[string]int
}

func NewIDMapping() IDMapping {
	return IDMapping{Zones: map[string]int{}, Folders: map[string]int{}}
}

type PlatformResolver interface {
	EnsurePlatform(ctx context.Context, slug string) (int, error)
}

type Resolver interface {
	PlatformResolver
	EnsureCluster(ctx context.Context, fc netbox.FolderCluster) (int, error)
}

// Desired is the NetBox state a source VM should have. Zero ids mean the
// reference is left unset.
type Desired struct {
	Name       string
	VCPUs      int
	MemoryMB   int
	Status     string
	Comments   string
	ClusterID  int
	SiteID     int
	PlatformID int
}

// Build computes the desired state of vm. Missing sites, clusters or
// platforms are not errors; the reference is simply left out.
func Build(ctx context.Context, vm inventory.VM, mapping IDMapping, platforms PlatformResolver) Desired {
	log := zap.S().Named("vmdata")

	d := Desired{
		Name:     vm.Name,
		VCPUs:    VCPUs(vm.Resources.Cores),
		MemoryMB: MemoryMB(vm.Resources.Memory),
		Status:   Status(vm.Status),
		Comments: Comments(vm),
	}
	if d.MemoryMB == 0 && vm.Resources.Memory != "" {
		log.Warnf("VM %s: memory calculated as 0 MB from %q", vm.Name, vm.Resources.Memory)
	}
	if vm.FolderID != "" {
		d.ClusterID = mapping.Folders[vm.FolderID]
	}
	if vm.ZoneID != "" {
		if siteID := mapping.Zones[vm.ZoneID]; siteID > 0 {
			d.SiteID = siteID
		}
	}
	if platforms != nil {
		slug := PlatformSlug(vm.OS)
		id, err := platforms.EnsurePlatform(ctx, slug)
		if err != nil {
			log.Warnf("VM %s: could not resolve platform %s: %v", vm.Name, slug, err)
		}
		d.PlatformID = id
	}
	return d
}

// BuildForCreate is Build plus an on the fly cluster for folders the
// infrastructure pass did not map.
func BuildForCreate(ctx context.Context, vm inventory.VM, mapping IDMapping, r Resolver) Desired {
	d := Build(ctx, vm, mapping, r)
	if d.ClusterID != 0 {
		return d
	}
	folderName := vm.FolderName
	if folderName == "" {
		folderName = "default"
	}
	id, err := r.EnsureCluster(ctx, netbox.FolderCluster{
		FolderID:   vm.FolderID,
		FolderName: folderName,
		CloudName:  vm.CloudName,
	})
	if err != nil {
		zap.S().Named("vmdata").Warnf("VM %s: could not ensure cluster for folder %s: %v", vm.Name, vm.FolderID, err)
		return d
	}
	d.ClusterID = id
	return d
}

func (d Desired) Request(tags []int) netbox.VirtualMachineRequest {
	return netbox.VirtualMachineRequest{
		Name:     d.Name,
		Status:   d.Status,
		VCPUs:    d.VCPUs,
		Memory:   d.MemoryMB,
		Comments: d.Comments,
		Cluster:  d.ClusterID,
		Site:     d.SiteID,
		Platform: d.PlatformID,
		Tags:     tags,
	}
}

// Diff returns the fields of current that differ from d. A zero memory
// size or reference is never written.
func (d Desired) Diff(current netbox.VirtualMachine) netbox.VirtualMachinePatch {
	var patch netbox.VirtualMachinePatch
	if d.MemoryMB > 0 && current.Memory != d.MemoryMB {
		patch.Memory = &d.MemoryMB
	}
	if int(current.VCPUs) != d.VCPUs || current.VCPUs != float64(int(current.VCPUs)) {
		patch.VCPUs = &d.VCPUs
	}
	if netbox.ChoiceValue(current.Status) != d.Status {
		patch.Status = &d.Status
	}
	if !CommentsEqual(current.Comments, d.Comments) {
		patch.Comments = &d.Comments
	}
	if d.ClusterID != 0 && netbox.RefID(current.Cluster) != d.ClusterID {
		patch.Cluster = &d.ClusterID
	}
	if d.SiteID != 0 && netbox.RefID(current.Site) != d.SiteID {
		patch.Site = &d.SiteID
	}
	if d.PlatformID != 0 && netbox.RefID(current.Platform) != d.PlatformID {
		patch.Platform = &d.PlatformID
	}
	return patch
}
