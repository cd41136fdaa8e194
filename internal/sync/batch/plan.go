package batch

import (
	"fmt"

	"github.com/netbox-sync/netbox-sync/internal/netbox"
)

// InterfaceRef points at a VM interface that either exists (ID set) or is
// queued for creation in this run and known only by its VM and name.
type InterfaceRef struct {
	ID   int
	VMID int
	Name string
}

func Resolved(id int) InterfaceRef {
	return InterfaceRef{ID: id}
}

func Pending(vmID int, name string) InterfaceRef {
	return InterfaceRef{VMID: vmID, Name: name}
}

func (r InterfaceRef) IsPending() bool {
	return r.ID == 0
}

func (r InterfaceRef) String() string {
	if r.IsPending() {
		return fmt.Sprintf("pending(%d/%s)", r.VMID, r.Name)
	}
	return fmt.Sprintf("interface(%d)", r.ID)
}

type pendingKey struct {
	vmID int
	name string
}

func (r InterfaceRef) key() pendingKey {
	return pendingKey{vmID: r.VMID, name: r.Name}
}

type InterfaceCreate struct {
	VMID int
	Name string
}

type IPCreate struct {
	Address     string
	Interface   InterfaceRef
	Description string
}

type DiskCreate struct {
	VMID   int
	Name   string
	SizeMB int
}

type DiskResize struct {
	Disk   netbox.VirtualDisk
	SizeMB int
}

// Plan is the mutation queue built by the planner and drained by Apply.
type Plan struct {
	VMUpdates map[int]netbox.VirtualMachinePatch

	// Reassignments move existing addresses onto existing interfaces;
	// PendingReassignments wait for their interface to be created.
	Reassignments        map[int]int
	PendingReassignments map[int]InterfaceRef

	// ClearPrimary lists VMs whose primary IPv4 must be unset before any
	// address moves. SetPrimary holds resolved primary addresses and
	// PendingPrimary the addresses that are created in this run.
	ClearPrimary   map[int]struct{}
	SetPrimary     map[int]int
	PendingPrimary map[int]string

	InterfacesToCreate []InterfaceCreate
	IPsToCreate        []IPCreate
	DisksToCreate      []DiskCreate
	DisksToResize      []DiskResize
	DisksToDelete      []netbox.VirtualDisk
}

func NewPlan() *Plan {
	return &Plan{
		VMUpdates:            map[int]netbox.VirtualMachinePatch{},
		Reassignments:        map[int]int{},
		PendingReassignments: map[int]InterfaceRef{},
		ClearPrimary:         map[int]struct{}{},
		SetPrimary:           map[int]int{},
		PendingPrimary:       map[int]string{},
	}
}

// Reassign queues moving the address to ref.
func (p *Plan) Reassign(ipID int, ref InterfaceRef) {
	if ref.IsPending() {
		delete(p.Reassignments, ipID)
		p.PendingReassignments[ipID] = ref
		return
	}
	delete(p.PendingReassignments, ipID)
	p.Reassignments[ipID] = ref.ID
}

func (p *Plan) setPrimary(vmID, ipID int) {
	delete(p.PendingPrimary, vmID)
	p.SetPrimary[vmID] = ipID
}

func (p *Plan) pendingPrimary(vmID int, address string) {
	delete(p.SetPrimary, vmID)
	p.PendingPrimary[vmID] = address
}

func (p *Plan) IsEmpty() bool {
	return len(p.VMUpdates) == 0 &&
		len(p.Reassignments) == 0 &&
		len(p.PendingReassignments) == 0 &&
		len(p.ClearPrimary) == 0 &&
		len(p.SetPrimary) == 0 &&
		len(p.PendingPrimary) == 0 &&
		len(p.InterfacesToCreate) == 0 &&
		len(p.IPsToCreate) == 0 &&
		len(p.DisksToCreate) == 0 &&
		len(p.DisksToResize) == 0 &&
		len(p.DisksToDelete) == 0
}
