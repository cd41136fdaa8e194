package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/ip"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	"go.uber.org/zap"
)

const (
	DescriptionPrivateIP = "Private IP"
	DescriptionNATIP     = "Public IP (NAT)"
)

// Planner compares source VMs against the snapshot and fills a Plan. It
// never talks to NetBox except to resolve platforms.
type Planner struct {
	snap      *Snapshot
	plan      *Plan
	mapping   vmdata.IDMapping
	platforms vmdata.PlatformResolver
	log       *zap.SugaredLogger
}

func NewPlanner(snap *Snapshot, plan *Plan, mapping vmdata.IDMapping, platforms vmdata.PlatformResolver) *Planner {
	return &Planner{
		snap:      snap,
		plan:      plan,
		mapping:   mapping,
		platforms: platforms,
		log:       zap.S().Named("batch"),
	}
}

// primaryCandidates collects the addresses of a VM that may become its
// primary IPv4, first match per class wins.
type primaryCandidates struct {
	privateID      int
	publicID       int
	pendingPrivate string
	pendingPublic  string
}

func (c *primaryCandidates) resolved(id int, private bool) {
	if private && c.privateID == 0 {
		c.privateID = id
	}
	if !private && c.publicID == 0 {
		c.publicID = id
	}
}

func (c *primaryCandidates) pending(address string, private bool) {
	if private && c.pendingPrivate == "" {
		c.pendingPrivate = address
	}
	if !private && c.pendingPublic == "" {
		c.pendingPublic = address
	}
}

// PlanVM queues every mutation needed to bring vm in line with src and
// reports whether there was any.
func (p *Planner) PlanVM(ctx context.Context, vm *netbox.VirtualMachine, src inventory.VM) bool {
	changed := false

	desired := vmdata.Build(ctx, src, p.mapping, p.platforms)
	if patch := desired.Diff(*vm); !patch.IsEmpty() {
		p.log.Debugf("VM %s: fields to update: %v", vm.Name, patch.Fields())
		p.plan.VMUpdates[vm.ID] = patch
		changed = true
	}

	if p.planDisks(vm, src.Disks) {
		changed = true
	}

	var candidates primaryCandidates
	if p.planInterfaces(vm, src.NetworkInterfaces, &candidates) {
		changed = true
	}

	if p.planPrimary(vm, candidates) {
		changed = true
	}
	return changed
}

func (p *Planner) planDisks(vm *netbox.VirtualMachine, disks []inventory.Disk) bool {
	if !p.snap.DisksLoaded {
		return false
	}
	changed := false

	desired := vmdata.DiskSizes(disks)
	existing := map[string]netbox.VirtualDisk{}
	for _, d := range p.snap.DisksByVM[vm.ID] {
		existing[d.Name] = d
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		size := desired[name]
		current, ok := existing[name]
		switch {
		case !ok:
			p.plan.DisksToCreate = append(p.plan.DisksToCreate, DiskCreate{VMID: vm.ID, Name: name, SizeMB: size})
			changed = true
		case current.Size != size:
			p.plan.DisksToResize = append(p.plan.DisksToResize, DiskResize{Disk: current, SizeMB: size})
			changed = true
		}
	}

	for _, d := range p.snap.DisksByVM[vm.ID] {
		if _, ok := desired[d.Name]; !ok {
			p.plan.DisksToDelete = append(p.plan.DisksToDelete, d)
			changed = true
		}
	}
	return changed
}

func (p *Planner) planInterfaces(vm *netbox.VirtualMachine, nics []inventory.NetworkInterface, c *primaryCandidates) bool {
	changed := false

	existing := map[string]int{}
	for _, iface := range p.snap.InterfacesByVM[vm.ID] {
		existing[iface.Name] = iface.ID
	}

	for idx, nic := range nics {
		name := fmt.Sprintf("eth%d", idx)

		ref := Resolved(existing[name])
		if ref.IsPending() {
			p.plan.InterfacesToCreate = append(p.plan.InterfacesToCreate, InterfaceCreate{VMID: vm.ID, Name: name})
			ref = Pending(vm.ID, name)
			changed = true
		}

		if nic.PrimaryV4 != "" && p.planPrimaryAddress(vm, ref, nic.PrimaryV4, c) {
			changed = true
		}
		if nic.PrimaryV4NAT != "" && p.planNATAddress(vm, ref, nic.PrimaryV4NAT, c) {
			changed = true
		}
	}
	return changed
}

func (p *Planner) planPrimaryAddress(vm *netbox.VirtualMachine, ref InterfaceRef, address string, c *primaryCandidates) bool {
	base := ip.StripMask(address)
	private := ip.IsPrivate(base)

	if existing, ok := p.snap.IPsByAddress[base]; ok {
		changed := p.reassignIfNeeded(vm, existing, ref)
		c.resolved(existing.ID, private)
		return changed
	}

	description := ""
	if private {
		description = DescriptionPrivateIP
	}
	withMask := ip.WithDefaultMask(address, "")
	p.plan.IPsToCreate = append(p.plan.IPsToCreate, IPCreate{Address: withMask, Interface: ref, Description: description})
	c.pending(withMask, private)
	return true
}

func (p *Planner) planNATAddress(vm *netbox.VirtualMachine, ref InterfaceRef, address string, c *primaryCandidates) bool {
	base := ip.StripMask(address)

	if existing, ok := p.snap.IPsByAddress[base]; ok {
		changed := p.reassignIfNeeded(vm, existing, ref)
		c.resolved(existing.ID, ip.IsPrivate(base))
		return changed
	}

	p.plan.IPsToCreate = append(p.plan.IPsToCreate, IPCreate{
		Address:     ip.WithDefaultMask(address, ""),
		Interface:   ref,
		Description: DescriptionNATIP,
	})
	return true
}

// reassignIfNeeded queues moving addr onto ref when it sits elsewhere. Any
// other VM using it as primary loses it first.
func (p *Planner) reassignIfNeeded(vm *netbox.VirtualMachine, addr *netbox.IPAddress, ref InterfaceRef) bool {
	if !ref.IsPending() && addr.InterfaceID() == ref.ID {
		return false
	}
	for holder := range p.snap.PrimaryHolders[addr.ID] {
		if holder == vm.ID {
			continue
		}
		p.plan.ClearPrimary[holder] = struct{}{}
		if p.plan.SetPrimary[holder] == addr.ID {
			delete(p.plan.SetPrimary, holder)
		}
	}
	p.log.Debugf("VM %s: moving %s to %s", vm.Name, addr.Address, ref)
	p.plan.Reassign(addr.ID, ref)
	return true
}

// planPrimary picks the primary IPv4. A private primary that is still
// attached to the VM is kept no matter what the source lists first.
func (p *Planner) planPrimary(vm *netbox.VirtualMachine, c primaryCandidates) bool {
	currentID := netbox.IPRefID(vm.PrimaryIP4)
	if _, cleared := p.plan.ClearPrimary[vm.ID]; cleared {
		currentID = 0
	}

	if currentID == 0 {
		switch {
		case c.privateID != 0:
			p.plan.setPrimary(vm.ID, c.privateID)
		case c.publicID != 0:
			p.plan.setPrimary(vm.ID, c.publicID)
		case c.pendingPrivate != "":
			p.plan.pendingPrimary(vm.ID, c.pendingPrivate)
		case c.pendingPublic != "":
			p.plan.pendingPrimary(vm.ID, c.pendingPublic)
		default:
			id := p.fallbackPrimary(vm.ID)
			if id == 0 {
				return false
			}
			p.log.Debugf("VM %s: falling back to existing address %d as primary", vm.Name, id)
			p.plan.setPrimary(vm.ID, id)
		}
		return true
	}

	if current, ok := p.snap.IPs[currentID]; ok && ip.IsPrivate(current.Address) && p.snap.VMInterfaceOwns(vm.ID, current) {
		return false
	}

	switch {
	case c.privateID != 0:
		if c.privateID == currentID {
			return false
		}
		p.log.Infof("VM %s: switching primary IP to a private address", vm.Name)
		p.plan.setPrimary(vm.ID, c.privateID)
	case c.pendingPrivate != "":
		p.log.Infof("VM %s: will switch primary IP to private address %s (pending creation)", vm.Name, c.pendingPrivate)
		p.plan.pendingPrimary(vm.ID, c.pendingPrivate)
	case c.publicID != 0 && c.publicID != currentID:
		p.log.Infof("VM %s: updating primary IP to a public address (no private IP available)", vm.Name)
		p.plan.setPrimary(vm.ID, c.publicID)
	default:
		return false
	}
	return true
}

// fallbackPrimary scans the addresses already on the VM's interfaces,
// private ones first. Addresses queued to move elsewhere do not count.
func (p *Planner) fallbackPrimary(vmID int) int {
	public := 0
	for _, iface := range p.snap.InterfacesByVM[vmID] {
		for _, addr := range p.snap.IPsByInterface[iface.ID] {
			if p.moving(addr.ID) {
				continue
			}
			if ip.IsPrivate(addr.Address) {
				return addr.ID
			}
			if public == 0 {
				public = addr.ID
			}
		}
	}
	return public
}

func (p *Planner) moving(ipID int) bool {
	_, direct := p.plan.Reassignments[ipID]
	_, pending := p.plan.PendingReassignments[ipID]
	return direct || pending
}
