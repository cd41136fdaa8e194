package sync

import (
	"context"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/sync/reclaim"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	"go.uber.org/zap"
)

// SyncInfrastructure keeps a site per zone, a cluster per folder and a
// prefix per subnet, and returns the ids the VM pass resolves against.
// With cleanup enabled, tagged infrastructure whose source is gone is
// reclaimed first. A failure for a single object is logged and skipped.
func SyncInfrastructure(ctx context.Context, session *netbox.Session, data *inventory.Data, cleanup bool) (vmdata.IDMapping, reclaim.InfraResult) {
	log := zap.S().Named("infra")
	mapping := vmdata.NewIDMapping()
	var reclaimed reclaim.InfraResult

	log.Info("syncing infrastructure components")

	if cleanup {
		log.Info("checking for orphaned infrastructure objects")
		result, err := reclaim.New(session).Infrastructure(ctx, data)
		if err != nil {
			log.Errorf("orphaned infrastructure cleanup failed: %v", err)
		}
		reclaimed = result
	}

	zones := data.Zones
	if len(zones) == 0 {
		log.Info("using default zones as none were fetched")
		zones = inventory.DefaultZones()
	}
	for _, zone := range zones {
		if zone.ID == "" {
			continue
		}
		siteID, err := session.EnsureSite(ctx, zone.ID, zone.Name)
		if err != nil {
			log.Errorf("failed to ensure site for zone %s: %v", zone.ID, err)
			continue
		}
		mapping.Zones[zone.ID] = siteID
		log.Debugf("ensured site for zone %s (ID: %d)", zone.ID, siteID)
	}

	if _, err := session.EnsureClusterType(ctx); err != nil {
		log.Errorf("failed to ensure cluster type: %v", err)
	}

	for _, folder := range data.Folders {
		if folder.ID == "" {
			continue
		}
		clusterID, err := session.EnsureCluster(ctx, netbox.FolderCluster{
			FolderID:    folder.ID,
			FolderName:  folder.Name,
			CloudName:   folder.CloudName,
			Description: folder.Description,
		})
		if err != nil {
			log.Errorf("failed to ensure cluster for folder %s: %v", folder.ID, err)
			continue
		}
		mapping.Folders[folder.ID] = clusterID
		log.Debugf("ensured cluster for folder %s (ID: %d)", folder.ID, clusterID)
	}

	for _, subnet := range data.Subnets {
		if subnet.CIDR == "" {
			continue
		}
		siteID := mapping.Zones[subnet.ZoneID]
		if siteID == 0 {
			log.Debugf("prefix %s has no site mapping for zone %q", subnet.CIDR, subnet.ZoneID)
		}
		if _, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{
			CIDR:        subnet.CIDR,
			VPCName:     subnet.VPCName,
			SiteID:      siteID,
			Description: subnet.Description,
		}); err != nil {
			log.Errorf("failed to sync prefix %s: %v", subnet.CIDR, err)
		}
	}

	log.Infof("infrastructure synced: %d sites, %d clusters, %d prefixes", len(mapping.Zones), len(mapping.Folders), len(data.Subnets))
	return mapping, reclaimed
}
