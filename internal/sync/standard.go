package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/ip"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/sync/batch"
	"github.com/netbox-sync/netbox-sync/internal/sync/reclaim"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	"go.uber.org/zap"
)

var errNoInterfaces = errors.New("VM has no interfaces to assign the IP to")

// Standard reconciles VMs one at a time, issuing lookups and writes as it
// goes. It produces the same end state as batch.Sync with many more API
// calls, and stays useful against servers where bulk listing is slow or
// restricted. Only a failure to list the existing VMs is returned.
func Standard(ctx context.Context, session *netbox.Session, data *inventory.Data, mapping vmdata.IDMapping, opts batch.Options) (batch.Stats, error) {
	r := &reconciler{
		session: session,
		api:     session.API(),
		mapping: mapping,
		log:     zap.S().Named("standard"),
	}

	if len(data.VMs) == 0 {
		r.log.Info("no VMs found in the source inventory")
		return r.stats, nil
	}
	r.log.Infof("found %d VMs in the source inventory", len(data.VMs))

	listed, err := netbox.ListAll[netbox.VirtualMachine](ctx, r.api, netbox.KindVirtualMachine, nil)
	if err != nil {
		return r.stats, fmt.Errorf("failed to list virtual machines: %w", err)
	}
	existing := make([]*netbox.VirtualMachine, 0, len(listed))
	byName := make(map[string]*netbox.VirtualMachine, len(listed))
	for i := range listed {
		vm := &listed[i]
		existing = append(existing, vm)
		if _, dup := byName[vm.Name]; dup {
			r.log.Warnf("duplicate VM name %q in netbox, using id %d", vm.Name, vm.ID)
		}
		byName[vm.Name] = vm
	}

	if opts.Cleanup {
		r.log.Info("checking for orphaned VMs")
		result := reclaim.New(session).VirtualMachines(ctx, data, existing)
		for _, id := range result.DeletedIDs {
			for name, vm := range byName {
				if vm.ID == id {
					delete(byName, name)
				}
			}
		}
		r.stats.Deleted += result.Deleted
		r.stats.Errors += result.Errors
	}

	for _, src := range data.VMs {
		if src.Name == "" {
			r.log.Warn("skipping VM without name")
			r.stats.Skipped++
			continue
		}
		if vm, ok := byName[src.Name]; ok {
			if r.updateVM(ctx, vm, src) {
				r.stats.Updated++
			} else {
				r.stats.Skipped++
			}
			continue
		}
		r.createVM(ctx, src)
	}

	batch.LogSummary(r.log, r.stats)
	return r.stats, nil
}

type reconciler struct {
	session *netbox.Session
	api     netbox.API
	mapping vmdata.IDMapping
	stats   batch.Stats
	log     *zap.SugaredLogger
}

// candidates holds the first private and first public address seen for a
// VM, in source order.
type candidates struct {
	private int
	public  int
}

func (c *candidates) add(id int, private bool) {
	if id == 0 {
		return
	}
	if private && c.private == 0 {
		c.private = id
	}
	if !private && c.public == 0 {
		c.public = id
	}
}

func (c candidates) preferred() int {
	if c.private != 0 {
		return c.private
	}
	return c.public
}

func (r *reconciler) fail(err error, format string, args ...any) {
	r.stats.Apply.Errors++
	r.log.Errorf(format+": %v", append(args, err)...)
	if netbox.IsForbidden(err) {
		r.log.Error("the NetBox API token lacks a permission needed for this change; grant the matching add/change/delete permission to the token and rerun")
	}
}

func (r *reconciler) createVM(ctx context.Context, src inventory.VM) {
	desired := vmdata.BuildForCreate(ctx, src, r.mapping, r.session)
	if r.session.DryRun() {
		r.log.Infof("[DRY-RUN] Would create VM: %s", src.Name)
		r.stats.Created++
		return
	}

	var created netbox.VirtualMachine
	if err := r.api.Create(ctx, netbox.KindVirtualMachine, desired.Request(r.session.TagIDs()), &created); err != nil {
		r.log.Errorf("failed to create VM %s: %v", src.Name, err)
		r.stats.Errors++
		return
	}
	r.log.Infof("created VM: %s", src.Name)
	r.stats.Created++

	r.syncDisks(ctx, &created, src.Disks)
	r.syncNetwork(ctx, &created, src.NetworkInterfaces)
}

// updateVM brings an existing VM in line with src and reports whether
// anything had to change.
func (r *reconciler) updateVM(ctx context.Context, vm *netbox.VirtualMachine, src inventory.VM) bool {
	changed := false

	desired := vmdata.Build(ctx, src, r.mapping, r.session)
	if patch := desired.Diff(*vm); !patch.IsEmpty() {
		changed = true
		if r.session.DryRun() {
			r.log.Infof("[DRY-RUN] Would update VM %s: %v", vm.Name, patch.Fields())
		} else if err := r.api.Update(ctx, netbox.KindVirtualMachine, vm.ID, patch, nil); err != nil {
			r.fail(err, "failed to update VM %s", vm.Name)
		} else {
			r.stats.Apply.VMsUpdated++
			r.log.Debugf("updated VM %s: %v", vm.Name, patch.Fields())
		}
	}

	if r.syncDisks(ctx, vm, src.Disks) {
		changed = true
	}
	if r.syncNetwork(ctx, vm, src.NetworkInterfaces) {
		changed = true
	}
	return changed
}

func (r *reconciler) syncDisks(ctx context.Context, vm *netbox.VirtualMachine, disks []inventory.Disk) bool {
	if !r.session.Capabilities().VirtualDisks {
		return false
	}

	current, err := netbox.ListAll[netbox.VirtualDisk](ctx, r.api, netbox.KindVirtualDisk, vmQuery(vm.ID))
	if err != nil {
		r.fail(err, "failed to list disks of VM %s", vm.Name)
		return false
	}

	desired := vmdata.DiskSizes(disks)
	types := diskTypes(disks)
	changed := false
	seen := map[string]bool{}

	for _, disk := range current {
		size, wanted := desired[disk.Name]
		switch {
		case !wanted:
			changed = true
			if r.session.DryRun() {
				r.log.Infof("[DRY-RUN] Would delete disk %s of VM %s", disk.Name, vm.Name)
				continue
			}
			if err := r.api.Delete(ctx, netbox.KindVirtualDisk, disk.ID); err != nil {
				r.fail(err, "failed to delete disk %s of VM %s", disk.Name, vm.Name)
				continue
			}
			r.stats.Apply.DisksDeleted++
		case seen[disk.Name]:
		case disk.Size != size:
			seen[disk.Name] = true
			changed = true
			if r.session.DryRun() {
				r.log.Infof("[DRY-RUN] Would resize disk %s of VM %s from %d to %d MB", disk.Name, vm.Name, disk.Size, size)
				continue
			}
			if err := r.api.Update(ctx, netbox.KindVirtualDisk, disk.ID, netbox.SizePatch{Size: size}, nil); err != nil {
				r.fail(err, "failed to resize disk %s", disk.Name)
				continue
			}
			r.stats.Apply.DisksUpdated++
		default:
			seen[disk.Name] = true
		}
	}

	for _, name := range slices.Sorted(maps.Keys(desired)) {
		if seen[name] {
			continue
		}
		changed = true
		if r.session.DryRun() {
			r.log.Infof("[DRY-RUN] Would create disk %s for VM %s", name, vm.Name)
			continue
		}
		req := netbox.VirtualDiskRequest{VirtualMachine: vm.ID, Name: name, Size: desired[name]}
		if t := types[name]; t != "" {
			req.Description = "Type: " + t
		}
		if err := r.api.Create(ctx, netbox.KindVirtualDisk, req, nil); err != nil {
			r.fail(err, "failed to create disk %s for VM %s", name, vm.Name)
			continue
		}
		r.stats.Apply.DisksCreated++
	}
	return changed
}

func diskTypes(disks []inventory.Disk) map[string]string {
	types := make(map[string]string, len(disks))
	for i, d := range disks {
		name := d.Name
		if name == "" {
			name = "disk-" + strconv.Itoa(i)
		}
		types[name] = d.Type
	}
	return types
}

func (r *reconciler) syncNetwork(ctx context.Context, vm *netbox.VirtualMachine, nics []inventory.NetworkInterface) bool {
	interfaces, err := netbox.ListAll[netbox.Interface](ctx, r.api, netbox.KindInterface, vmQuery(vm.ID))
	if err != nil {
		r.fail(err, "failed to list interfaces of VM %s", vm.Name)
		return false
	}
	byName := map[string]int{}
	owned := map[int]bool{}
	for _, iface := range interfaces {
		byName[iface.Name] = iface.ID
		owned[iface.ID] = true
	}

	changed := false
	var c candidates
	firstInterface := 0

	for idx, nic := range nics {
		name := fmt.Sprintf("eth%d", idx)
		ifaceID, ok := byName[name]
		if !ok {
			changed = true
			ifaceID = r.createInterface(ctx, vm, name)
			if ifaceID != 0 {
				owned[ifaceID] = true
			}
		}
		if firstInterface == 0 {
			firstInterface = ifaceID
		}

		if nic.PrimaryV4 != "" {
			description := ""
			if ip.IsPrivate(nic.PrimaryV4) {
				description = batch.DescriptionPrivateIP
			}
			id, moved := r.ensureAddress(ctx, vm, ifaceID, nic.PrimaryV4, description)
			changed = changed || moved
			c.add(id, ip.IsPrivate(nic.PrimaryV4))
		}
		if nic.PrimaryV4NAT != "" {
			id, moved := r.ensureAddress(ctx, vm, ifaceID, nic.PrimaryV4NAT, batch.DescriptionNATIP)
			changed = changed || moved
			c.add(id, ip.IsPrivate(nic.PrimaryV4NAT))
		}
	}

	if r.syncPrimary(ctx, vm, c.preferred(), owned, firstInterface) {
		changed = true
	}
	return changed
}

func (r *reconciler) createInterface(ctx context.Context, vm *netbox.VirtualMachine, name string) int {
	if r.session.DryRun() {
		r.log.Infof("[DRY-RUN] Would create interface %s for VM %s", name, vm.Name)
		return 0
	}
	var created netbox.Interface
	err := r.api.Create(ctx, netbox.KindInterface, netbox.InterfaceRequest{
		VirtualMachine: vm.ID,
		Name:           name,
		Enabled:        true,
	}, &created)
	if err != nil {
		r.fail(err, "failed to create interface %s for VM %s", name, vm.Name)
		return 0
	}
	r.stats.Apply.InterfacesCreated++
	r.log.Debugf("created interface %s for VM %s", name, vm.Name)
	return created.ID
}

// ensureAddress makes address exist on the interface, moving it over when
// NetBox has it elsewhere. It returns the address id, 0 when it does not
// exist yet, and whether a change was needed.
func (r *reconciler) ensureAddress(ctx context.Context, vm *netbox.VirtualMachine, ifaceID int, address, description string) (int, bool) {
	base := ip.StripMask(address)
	existing, err := netbox.FindOne[netbox.IPAddress](ctx, r.api, netbox.KindIPAddress, netbox.Query{"address": base})
	if err != nil {
		r.fail(err, "failed to look up IP %s", base)
		return 0, false
	}

	if existing != nil {
		if ifaceID != 0 && existing.InterfaceID() == ifaceID {
			return existing.ID, false
		}
		if r.session.DryRun() {
			r.log.Infof("[DRY-RUN] Would assign IP %s to VM %s", base, vm.Name)
			return existing.ID, true
		}
		if ifaceID == 0 {
			return existing.ID, false
		}
		r.releasePrimary(ctx, vm.ID, existing.ID)
		if err := r.api.Update(ctx, netbox.KindIPAddress, existing.ID, netbox.AssignToInterface(ifaceID), nil); err != nil {
			r.fail(err, "failed to reassign IP %s", base)
			return existing.ID, true
		}
		r.stats.Apply.IPsReassigned++
		r.log.Debugf("assigned IP %s to interface %d", base, ifaceID)
		return existing.ID, true
	}

	withMask := ip.WithDefaultMask(address, "")
	if r.session.DryRun() {
		r.log.Infof("[DRY-RUN] Would create IP %s for VM %s", withMask, vm.Name)
		return 0, true
	}
	if ifaceID == 0 {
		return 0, false
	}
	var created netbox.IPAddress
	err = r.api.Create(ctx, netbox.KindIPAddress, netbox.IPAddressRequest{
		Address:            withMask,
		Status:             netbox.StatusActive,
		Description:        description,
		AssignedObjectType: netbox.AssignedVMInterface,
		AssignedObjectID:   ifaceID,
		Tags:               r.session.TagIDs(),
	}, &created)
	if err != nil {
		r.fail(err, "failed to create IP %s", withMask)
		return 0, false
	}
	r.stats.Apply.IPsCreated++
	r.log.Debugf("created IP %s with ID %d", withMask, created.ID)
	return created.ID, true
}

// releasePrimary clears ipID as primary on every VM other than vmID.
func (r *reconciler) releasePrimary(ctx context.Context, vmID, ipID int) {
	holders, err := netbox.ListAll[netbox.VirtualMachine](ctx, r.api, netbox.KindVirtualMachine, netbox.Query{"primary_ip4_id": strconv.Itoa(ipID)})
	if err != nil {
		r.fail(err, "failed to look up VMs using IP %d as primary", ipID)
		return
	}
	for _, holder := range holders {
		if holder.ID == vmID {
			continue
		}
		if err := r.api.Update(ctx, netbox.KindVirtualMachine, holder.ID, netbox.PrimaryIP4Patch{}, nil); err != nil {
			r.fail(err, "failed to unset primary IP on VM %s", holder.Name)
			continue
		}
		r.stats.Apply.PrimaryIPsChanged++
		r.log.Debugf("unset primary IP on VM %s", holder.Name)
	}
}

// syncPrimary points the VM's primary IPv4 at want. A private primary that
// is still attached to the VM is kept.
func (r *reconciler) syncPrimary(ctx context.Context, vm *netbox.VirtualMachine, want int, owned map[int]bool, firstInterface int) bool {
	currentID := netbox.IPRefID(vm.PrimaryIP4)
	if want == 0 || want == currentID {
		return false
	}

	if currentID != 0 {
		var current netbox.IPAddress
		err := r.api.Get(ctx, netbox.KindIPAddress, currentID, &current)
		if err == nil && ip.IsPrivate(current.Address) && owned[current.InterfaceID()] {
			return false
		}
		if err != nil && !netbox.IsNotFound(err) {
			r.fail(err, "failed to read primary IP of VM %s", vm.Name)
			return false
		}
	}

	if r.session.DryRun() {
		r.log.Infof("[DRY-RUN] Would set primary IP %d on VM %s", want, vm.Name)
		return true
	}

	r.releasePrimary(ctx, vm.ID, want)

	var addr netbox.IPAddress
	if err := r.api.Get(ctx, netbox.KindIPAddress, want, &addr); err != nil {
		r.fail(err, "failed to read IP %d", want)
		return true
	}
	if !owned[addr.InterfaceID()] {
		if firstInterface == 0 {
			r.fail(errNoInterfaces, "failed to set primary IP on VM %s", vm.Name)
			return true
		}
		r.log.Infof("assigning IP %s to VM %s's first interface before setting as primary", addr.Address, vm.Name)
		if err := r.api.Update(ctx, netbox.KindIPAddress, want, netbox.AssignToInterface(firstInterface), nil); err != nil {
			r.fail(err, "failed to reassign IP %s", addr.Address)
			return true
		}
		r.stats.Apply.IPsReassigned++
	}

	if err := r.api.Update(ctx, netbox.KindVirtualMachine, vm.ID, netbox.PrimaryIP4Patch{PrimaryIP4: &want}, nil); err != nil {
		r.fail(err, "failed to set primary IP on VM %s", vm.Name)
		return true
	}
	vm.PrimaryIP4 = &netbox.IPRef{ID: want, Address: addr.Address}
	r.stats.Apply.PrimaryIPsChanged++
	r.log.Debugf("set primary IP %s (ID: %d) on VM %s", addr.Address, want, vm.Name)
	return true
}

func vmQuery(vmID int) netbox.Query {
	return netbox.Query{"virtual_machine_id": strconv.Itoa(vmID)}
}
