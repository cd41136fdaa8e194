package batch

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"

	"github.com/netbox-sync/netbox-sync/internal/ip"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"go.uber.org/zap"
)

var errNoInterfaces = errors.New("VM has no interfaces to assign the IP to")

// ApplyStats counts the mutations Apply carried out.
type ApplyStats struct {
	VMsUpdated        int `json:"vms_updated"`
	IPsReassigned     int `json:"ips_reassigned"`
	PrimaryIPsChanged int `json:"primary_ips_changed"`
	InterfacesCreated int `json:"interfaces_created"`
	IPsCreated        int `json:"ips_created"`
	DisksCreated      int `json:"disks_created"`
	DisksUpdated      int `json:"disks_updated"`
	DisksDeleted      int `json:"disks_deleted"`
	Errors            int `json:"errors"`
}

type applicator struct {
	api   netbox.API
	tags  []int
	snap  *Snapshot
	plan  *Plan
	stats ApplyStats
	log   *zap.SugaredLogger

	createdInterfaces map[pendingKey]int
	createdIPs        map[string]int
}

// Apply drains plan against NetBox in dependency order. Every mutation is
// isolated: a failure is logged and counted and the rest carries on. In a
// dry run nothing is sent and the returned stats are zero.
func Apply(ctx context.Context, session *netbox.Session, snap *Snapshot, plan *Plan) ApplyStats {
	a := &applicator{
		api:               session.API(),
		tags:              session.TagIDs(),
		snap:              snap,
		plan:              plan,
		log:               zap.S().Named("batch"),
		createdInterfaces: map[pendingKey]int{},
		createdIPs:        map[string]int{},
	}

	if session.DryRun() {
		a.logIntent()
		return ApplyStats{}
	}

	a.log.Info("applying batch updates")
	a.clearPrimaries(ctx)
	a.deleteDisks(ctx)
	a.createInterfaces(ctx)
	a.resolvePendingReassignments()
	a.reassignAddresses(ctx)
	a.createAddresses(ctx)
	a.resolvePendingPrimaries()
	a.createDisks(ctx)
	a.updateVMs(ctx)
	a.setPrimaries(ctx)

	a.log.Infof("batch updates complete: %+v", a.stats)
	return a.stats
}

func (a *applicator) logIntent() {
	a.log.Info("[DRY-RUN] Would apply the following updates:")
	a.log.Infof("  VMs to update: %d", len(a.plan.VMUpdates))
	a.log.Infof("  IPs to reassign: %d", len(a.plan.Reassignments)+len(a.plan.PendingReassignments))
	a.log.Infof("  Primary IPs to clear: %d", len(a.plan.ClearPrimary))
	a.log.Infof("  Primary IPs to set: %d", len(a.plan.SetPrimary)+len(a.plan.PendingPrimary))
	a.log.Infof("  Interfaces to create: %d", len(a.plan.InterfacesToCreate))
	a.log.Infof("  IPs to create: %d", len(a.plan.IPsToCreate))
	a.log.Infof("  Disks to create: %d", len(a.plan.DisksToCreate))
	a.log.Infof("  Disks to resize: %d", len(a.plan.DisksToResize))
	a.log.Infof("  Disks to delete: %d", len(a.plan.DisksToDelete))
}

func (a *applicator) fail(err error, format string, args ...any) {
	a.stats.Errors++
	a.log.Errorf(format+": %v", append(args, err)...)
	if netbox.IsForbidden(err) {
		a.log.Error("the NetBox API token lacks a permission needed for this change; grant the matching add/change/delete permission to the token and rerun")
	}
}

// Step 1.
func (a *applicator) clearPrimaries(ctx context.Context) {
	a.log.Info("step 1: unsetting primary IPs that need reassignment")
	for _, vmID := range slices.Sorted(maps.Keys(a.plan.ClearPrimary)) {
		vm, ok := a.snap.VMs[vmID]
		if !ok || vm.PrimaryIP4 == nil {
			continue
		}
		if err := a.api.Update(ctx, netbox.KindVirtualMachine, vmID, netbox.PrimaryIP4Patch{}, nil); err != nil {
			a.fail(err, "failed to unset primary IP on VM %s", vm.Name)
			continue
		}
		a.snap.SetPrimary(vmID, 0)
		a.stats.PrimaryIPsChanged++
		a.log.Debugf("unset primary IP on VM %s", vm.Name)
	}
}

// Step 2.
func (a *applicator) deleteDisks(ctx context.Context) {
	a.log.Info("step 2: deleting obsolete disks")
	for _, d := range a.plan.DisksToDelete {
		if err := a.api.Delete(ctx, netbox.KindVirtualDisk, d.ID); err != nil {
			a.fail(err, "failed to delete disk %s of VM %d", d.Name, d.VirtualMachine.ID)
			continue
		}
		a.snap.RemoveDisk(d.VirtualMachine.ID, d.ID)
		a.stats.DisksDeleted++
		a.log.Debugf("deleted disk %s", d.Name)
	}
}

// Step 3.
func (a *applicator) createInterfaces(ctx context.Context) {
	a.log.Info("step 3: creating new interfaces")
	for _, ic := range a.plan.InterfacesToCreate {
		var created netbox.Interface
		err := a.api.Create(ctx, netbox.KindInterface, netbox.InterfaceRequest{
			VirtualMachine: ic.VMID,
			Name:           ic.Name,
			Enabled:        true,
		}, &created)
		if err != nil {
			a.fail(err, "failed to create interface %s for VM %d", ic.Name, ic.VMID)
			continue
		}
		if created.VirtualMachine.ID == 0 {
			created.VirtualMachine.ID = ic.VMID
		}
		a.createdInterfaces[Pending(ic.VMID, ic.Name).key()] = created.ID
		a.snap.AddInterface(created)
		a.stats.InterfacesCreated++
		a.log.Debugf("created interface %s for VM %d", ic.Name, ic.VMID)
	}
}

// Step 3b.
func (a *applicator) resolvePendingReassignments() {
	for _, ipID := range slices.Sorted(maps.Keys(a.plan.PendingReassignments)) {
		ref := a.plan.PendingReassignments[ipID]
		if id, ok := a.createdInterfaces[ref.key()]; ok {
			a.plan.Reassignments[ipID] = id
			continue
		}
		a.stats.Errors++
		a.log.Warnf("could not resolve %s for IP reassignment %d", ref, ipID)
	}
}

// Step 4.
func (a *applicator) reassignAddresses(ctx context.Context) {
	a.log.Info("step 4: updating IP assignments")
	for _, ipID := range slices.Sorted(maps.Keys(a.plan.Reassignments)) {
		ifaceID := a.plan.Reassignments[ipID]
		if err := a.api.Update(ctx, netbox.KindIPAddress, ipID, netbox.AssignToInterface(ifaceID), nil); err != nil {
			a.fail(err, "failed to update IP %d", ipID)
			continue
		}
		a.snap.AssignIP(ipID, ifaceID)
		a.stats.IPsReassigned++
		a.log.Debugf("assigned IP %d to interface %d", ipID, ifaceID)
	}
}

// Step 5.
func (a *applicator) createAddresses(ctx context.Context) {
	a.log.Info("step 5: creating new IPs")
	for _, ic := range a.plan.IPsToCreate {
		ifaceID := ic.Interface.ID
		if ic.Interface.IsPending() {
			id, ok := a.createdInterfaces[ic.Interface.key()]
			if !ok {
				a.stats.Errors++
				a.log.Warnf("could not resolve %s, skipping IP %s", ic.Interface, ic.Address)
				continue
			}
			ifaceID = id
		}

		var created netbox.IPAddress
		err := a.api.Create(ctx, netbox.KindIPAddress, netbox.IPAddressRequest{
			Address:            ic.Address,
			Status:             netbox.StatusActive,
			Description:        ic.Description,
			AssignedObjectType: netbox.AssignedVMInterface,
			AssignedObjectID:   ifaceID,
			Tags:               a.tags,
		}, &created)
		if err != nil {
			a.fail(err, "failed to create IP %s", ic.Address)
			continue
		}
		if created.InterfaceID() == 0 {
			created.AssignedObjectType = netbox.AssignedVMInterface
			created.AssignedObjectID = &ifaceID
		}
		if created.Address == "" {
			created.Address = ic.Address
		}
		a.snap.AddIP(created)
		a.createdIPs[ip.StripMask(ic.Address)] = created.ID
		a.stats.IPsCreated++
		a.log.Debugf("created IP %s with ID %d", ic.Address, created.ID)
	}
}

// Step 6.
func (a *applicator) resolvePendingPrimaries() {
	for _, vmID := range slices.Sorted(maps.Keys(a.plan.PendingPrimary)) {
		address := a.plan.PendingPrimary[vmID]
		delete(a.plan.PendingPrimary, vmID)
		if id, ok := a.createdIPs[ip.StripMask(address)]; ok {
			a.plan.SetPrimary[vmID] = id
			a.log.Debugf("resolved pending primary IP for VM %d to IP %d", vmID, id)
			continue
		}
		a.stats.Errors++
		a.log.Warnf("VM %s: pending primary IP %s could not be resolved (IP creation may have failed)", a.vmName(vmID), address)
	}
}

// Step 7.
func (a *applicator) createDisks(ctx context.Context) {
	a.log.Info("step 7: creating new disks")
	for _, dc := range a.plan.DisksToCreate {
		var created netbox.VirtualDisk
		err := a.api.Create(ctx, netbox.KindVirtualDisk, netbox.VirtualDiskRequest{
			VirtualMachine: dc.VMID,
			Name:           dc.Name,
			Size:           dc.SizeMB,
		}, &created)
		if err != nil {
			a.fail(err, "failed to create disk %s for VM %d", dc.Name, dc.VMID)
			continue
		}
		if created.VirtualMachine.ID == 0 {
			created.VirtualMachine.ID = dc.VMID
		}
		a.snap.AddDisk(created)
		a.stats.DisksCreated++
		a.log.Debugf("created disk %s", dc.Name)
	}

	for _, dr := range a.plan.DisksToResize {
		if err := a.api.Update(ctx, netbox.KindVirtualDisk, dr.Disk.ID, netbox.SizePatch{Size: dr.SizeMB}, nil); err != nil {
			a.fail(err, "failed to resize disk %s", dr.Disk.Name)
			continue
		}
		a.stats.DisksUpdated++
		a.log.Debugf("resized disk %s from %d to %d MB", dr.Disk.Name, dr.Disk.Size, dr.SizeMB)
	}
}

// Step 8.
func (a *applicator) updateVMs(ctx context.Context) {
	a.log.Info("step 8: updating VM parameters")
	for _, vmID := range slices.Sorted(maps.Keys(a.plan.VMUpdates)) {
		patch := a.plan.VMUpdates[vmID]
		if err := a.api.Update(ctx, netbox.KindVirtualMachine, vmID, patch, nil); err != nil {
			a.fail(err, "failed to update VM %s", a.vmName(vmID))
			continue
		}
		a.stats.VMsUpdated++
		a.log.Debugf("updated VM %s: %v", a.vmName(vmID), patch.Fields())
	}
}

// Step 9.
func (a *applicator) setPrimaries(ctx context.Context) {
	a.log.Info("step 9: setting new primary IPs")
	for _, vmID := range slices.Sorted(maps.Keys(a.plan.SetPrimary)) {
		ipID := a.plan.SetPrimary[vmID]
		if err := a.setPrimary(ctx, vmID, ipID); err != nil {
			a.fail(err, "failed to set primary IP on VM %s", a.vmName(vmID))
		}
	}
}

func (a *applicator) setPrimary(ctx context.Context, vmID, ipID int) error {
	addr, ok := a.snap.IPs[ipID]
	if !ok {
		var fetched netbox.IPAddress
		if err := a.api.Get(ctx, netbox.KindIPAddress, ipID, &fetched); err != nil {
			return err
		}
		addr = a.snap.AddIP(fetched)
	}

	interfaces := a.snap.InterfacesByVM[vmID]
	if len(interfaces) == 0 {
		listed, err := netbox.ListAll[netbox.Interface](ctx, a.api, netbox.KindInterface, netbox.Query{"virtual_machine_id": strconv.Itoa(vmID)})
		if err != nil {
			return err
		}
		for _, iface := range listed {
			a.snap.AddInterface(iface)
		}
		interfaces = a.snap.InterfacesByVM[vmID]
	}
	if len(interfaces) == 0 {
		return errNoInterfaces
	}

	if !a.snap.VMInterfaceOwns(vmID, addr) {
		a.log.Infof("assigning IP %s to VM %s's first interface before setting as primary", addr.Address, a.vmName(vmID))
		if err := a.api.Update(ctx, netbox.KindIPAddress, ipID, netbox.AssignToInterface(interfaces[0].ID), nil); err != nil {
			return err
		}
		a.snap.AssignIP(ipID, interfaces[0].ID)
		a.stats.IPsReassigned++
	}

	if err := a.api.Update(ctx, netbox.KindVirtualMachine, vmID, netbox.PrimaryIP4Patch{PrimaryIP4: &ipID}, nil); err != nil {
		return err
	}
	a.snap.SetPrimary(vmID, ipID)
	a.stats.PrimaryIPsChanged++
	a.log.Debugf("set primary IP %s (ID: %d) on VM %s", addr.Address, ipID, a.vmName(vmID))
	return nil
}

func (a *applicator) vmName(vmID int) string {
	if vm, ok := a.snap.VMs[vmID]; ok {
		return vm.Name
	}
	return strconv.Itoa(vmID)
}
