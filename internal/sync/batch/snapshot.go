package batch

import (
	"context"
	"fmt"

	"github.com/netbox-sync/netbox-sync/internal/ip"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"go.uber.org/zap"
)

// Snapshot is the NetBox state one run works against. It is loaded once,
// kept current by the applicator and dropped at the end of the run.
type Snapshot struct {
	VMs            map[int]*netbox.VirtualMachine
	VMsByName      map[string]*netbox.VirtualMachine
	InterfacesByVM map[int][]netbox.Interface
	IPs            map[int]*netbox.IPAddress
	IPsByAddress   map[string]*netbox.IPAddress
	IPsByInterface map[int][]*netbox.IPAddress
	DisksByVM      map[int][]netbox.VirtualDisk

	// PrimaryHolders maps an address id to the VMs using it as primary IPv4.
	PrimaryHolders map[int]map[int]struct{}

	// DisksLoaded is false when the server could not list virtual disks;
	// disks are then left alone.
	DisksLoaded bool
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		VMs:            map[int]*netbox.VirtualMachine{},
		VMsByName:      map[string]*netbox.VirtualMachine{},
		InterfacesByVM: map[int][]netbox.Interface{},
		IPs:            map[int]*netbox.IPAddress{},
		IPsByAddress:   map[string]*netbox.IPAddress{},
		IPsByInterface: map[int][]*netbox.IPAddress{},
		DisksByVM:      map[int][]netbox.VirtualDisk{},
		PrimaryHolders: map[int]map[int]struct{}{},
	}
}

// LoadSnapshot lists every VM, interface, address and virtual disk once.
// Disks are optional: a server without them yields an empty disk index.
func LoadSnapshot(ctx context.Context, api netbox.API, caps netbox.Capabilities) (*Snapshot, error) {
	log := zap.S().Named("batch")
	snap := NewSnapshot()

	log.Info("loading NetBox data into cache")

	vms, err := netbox.ListAll[netbox.VirtualMachine](ctx, api, netbox.KindVirtualMachine, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load virtual machines: %w", err)
	}
	for _, vm := range vms {
		if _, dup := snap.VMsByName[vm.Name]; dup {
			log.Warnf("duplicate VM name %q in netbox, using id %d", vm.Name, vm.ID)
		}
		snap.AddVM(vm)
	}
	log.Infof("loaded %d VMs", len(snap.VMs))

	interfaces, err := netbox.ListAll[netbox.Interface](ctx, api, netbox.KindInterface, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load interfaces: %w", err)
	}
	for _, iface := range interfaces {
		snap.AddInterface(iface)
	}
	log.Infof("loaded %d interfaces", len(interfaces))

	addresses, err := netbox.ListAll[netbox.IPAddress](ctx, api, netbox.KindIPAddress, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load IP addresses: %w", err)
	}
	for _, addr := range addresses {
		snap.AddIP(addr)
	}
	log.Infof("loaded %d IP addresses", len(snap.IPs))

	if !caps.VirtualDisks {
		log.Infof("NetBox %s has no virtual disks, skipping disk sync", caps.Version)
		return snap, nil
	}
	disks, err := netbox.ListAll[netbox.VirtualDisk](ctx, api, netbox.KindVirtualDisk, nil)
	if err != nil {
		log.Warnf("could not load virtual disks (may not be supported): %v", err)
		return snap, nil
	}
	for _, d := range disks {
		snap.AddDisk(d)
	}
	snap.DisksLoaded = true
	log.Infof("loaded %d virtual disks", len(disks))

	return snap, nil
}

// AddVM indexes vm. A VM sharing the name of an earlier one replaces it in
// the name index.
func (s *Snapshot) AddVM(vm netbox.VirtualMachine) *netbox.VirtualMachine {
	stored := &vm
	s.VMs[vm.ID] = stored
	s.VMsByName[vm.Name] = stored
	if id := netbox.IPRefID(vm.PrimaryIP4); id != 0 {
		s.addHolder(id, vm.ID)
	}
	return stored
}

func (s *Snapshot) RemoveVM(id int) {
	vm, ok := s.VMs[id]
	if !ok {
		return
	}
	delete(s.VMs, id)
	if s.VMsByName[vm.Name] == vm {
		delete(s.VMsByName, vm.Name)
	}
	if ipID := netbox.IPRefID(vm.PrimaryIP4); ipID != 0 {
		s.removeHolder(ipID, id)
	}
}

func (s *Snapshot) AddInterface(iface netbox.Interface) {
	if iface.VirtualMachine.ID == 0 {
		return
	}
	s.InterfacesByVM[iface.VirtualMachine.ID] = append(s.InterfacesByVM[iface.VirtualMachine.ID], iface)
}

// AddIP indexes an address. Two records with the same base address leave
// the later one in the address index.
func (s *Snapshot) AddIP(addr netbox.IPAddress) *netbox.IPAddress {
	stored := &addr
	s.IPs[addr.ID] = stored
	s.IPsByAddress[ip.StripMask(addr.Address)] = stored
	if ifaceID := addr.InterfaceID(); ifaceID != 0 {
		s.IPsByInterface[ifaceID] = append(s.IPsByInterface[ifaceID], stored)
	}
	return stored
}

func (s *Snapshot) AddDisk(d netbox.VirtualDisk) {
	if d.VirtualMachine.ID == 0 {
		return
	}
	s.DisksByVM[d.VirtualMachine.ID] = append(s.DisksByVM[d.VirtualMachine.ID], d)
}

// AssignIP records that the address with ipID now sits on interfaceID.
func (s *Snapshot) AssignIP(ipID, interfaceID int) {
	addr, ok := s.IPs[ipID]
	if !ok {
		return
	}
	if old := addr.InterfaceID(); old != 0 {
		list := s.IPsByInterface[old]
		for i, a := range list {
			if a == addr {
				s.IPsByInterface[old] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	addr.AssignedObjectType = netbox.AssignedVMInterface
	addr.AssignedObjectID = &interfaceID
	s.IPsByInterface[interfaceID] = append(s.IPsByInterface[interfaceID], addr)
}

// SetPrimary records the new primary IPv4 of a VM; 0 clears it.
func (s *Snapshot) SetPrimary(vmID, ipID int) {
	vm, ok := s.VMs[vmID]
	if !ok {
		return
	}
	if old := netbox.IPRefID(vm.PrimaryIP4); old != 0 {
		s.removeHolder(old, vmID)
	}
	if ipID == 0 {
		vm.PrimaryIP4 = nil
		return
	}
	ref := &netbox.IPRef{ID: ipID}
	if addr, ok := s.IPs[ipID]; ok {
		ref.Address = addr.Address
	}
	vm.PrimaryIP4 = ref
	s.addHolder(ipID, vmID)
}

func (s *Snapshot) RemoveDisk(vmID, diskID int) {
	list := s.DisksByVM[vmID]
	for i, d := range list {
		if d.ID == diskID {
			s.DisksByVM[vmID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// VMInterfaceOwns reports whether the address is assigned to one of the
// interfaces of the VM.
func (s *Snapshot) VMInterfaceOwns(vmID int, addr *netbox.IPAddress) bool {
	ifaceID := addr.InterfaceID()
	if ifaceID == 0 {
		return false
	}
	for _, iface := range s.InterfacesByVM[vmID] {
		if iface.ID == ifaceID {
			return true
		}
	}
	return false
}

func (s *Snapshot) addHolder(ipID, vmID int) {
	holders, ok := s.PrimaryHolders[ipID]
	if !ok {
		holders = map[int]struct{}{}
		s.PrimaryHolders[ipID] = holders
	}
	holders[vmID] = struct{}{}
}

func (s *Snapshot) removeHolder(ipID, vmID int) {
	holders := s.PrimaryHolders[ipID]
	delete(holders, vmID)
	if len(holders) == 0 {
		delete(s.PrimaryHolders, ipID)
	}
}
