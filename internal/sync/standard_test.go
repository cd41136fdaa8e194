package sync_test

import (
	"context"
	"net/http"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/netbox/netboxtest"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/internal/sync/batch"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Standard", func() {
	var (
		ctx     context.Context
		fake    *netboxtest.Fake
		mapping vmdata.IDMapping
		data    *inventory.Data
		opts    batch.Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = netboxtest.New()

		siteID := fake.Seed(netbox.KindSite, netbox.SiteRequest{Name: "ru-central1-a", Slug: "ru-central1-a", Status: "active"})
		clusterID := fake.Seed(netbox.KindCluster, netbox.ClusterRequest{Name: "acme/prod", Status: "active", Comments: "Folder ID: f1"})
		mapping = vmdata.IDMapping{
			Zones:   map[string]int{"ru-central1-a": siteID},
			Folders: map[string]int{"f1": clusterID},
		}
		data = &inventory.Data{VMs: []inventory.VM{webVM()}}
		opts = batch.Options{Cleanup: true}
	})

	It("creates a VM with its disks, interfaces and a private primary", func() {
		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(Equal(1))
		Expect(stats.Errors).To(BeZero())
		Expect(stats.Apply).To(Equal(batch.ApplyStats{
			InterfacesCreated: 1,
			IPsCreated:        2,
			DisksCreated:      1,
			PrimaryIPsChanged: 1,
		}))

		var vms []netbox.VirtualMachine
		fake.All(netbox.KindVirtualMachine, &vms)
		Expect(vms).To(HaveLen(1))
		Expect(vms[0].Memory).To(Equal(4096))
		Expect(vms[0].PrimaryIP4).NotTo(BeNil())
		Expect(vms[0].PrimaryIP4.Address).To(Equal("10.0.0.5/32"))

		var addresses []netbox.IPAddress
		fake.All(netbox.KindIPAddress, &addresses)
		Expect(addresses).To(ConsistOf(
			SatisfyAll(HaveField("Address", "10.0.0.5/32"), HaveField("Description", "Private IP")),
			SatisfyAll(HaveField("Address", "51.250.1.2/32"), HaveField("Description", "Public IP (NAT)")),
		))

		var disks []netbox.VirtualDisk
		fake.All(netbox.KindVirtualDisk, &disks)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Size).To(Equal(20480))
		Expect(disks[0].Description).To(Equal("Type: cloud"))
	})

	It("changes nothing on a second run", func() {
		_, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		fake.ResetWrites()

		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats).To(Equal(batch.Stats{Skipped: 1}))
		Expect(fake.Writes("")).To(BeEmpty())
	})

	It("writes nothing in a dry run", func() {
		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, true), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(Equal(1))
		Expect(stats.Apply).To(Equal(batch.ApplyStats{}))
		Expect(fake.Writes("")).To(BeEmpty())
	})

	It("resizes and removes disks", func() {
		_, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())

		var vms []netbox.VirtualMachine
		fake.All(netbox.KindVirtualMachine, &vms)
		fake.Seed(netbox.KindVirtualDisk, netbox.VirtualDiskRequest{VirtualMachine: vms[0].ID, Name: "scratch", Size: 100})

		data.VMs[0].Disks[0].Size = 30 << 30
		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Updated).To(Equal(1))
		Expect(stats.Apply.DisksUpdated).To(Equal(1))
		Expect(stats.Apply.DisksDeleted).To(Equal(1))

		var disks []netbox.VirtualDisk
		fake.All(netbox.KindVirtualDisk, &disks)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Name).To(Equal("boot"))
		Expect(disks[0].Size).To(Equal(30720))
	})

	It("unsets the old holder before moving and setting a primary", func() {
		fake.Seed(netbox.KindVirtualMachine, map[string]any{"id": 10, "name": "a", "status": "active", "vcpus": 2, "memory": 2048, "primary_ip4": 30})
		fake.Seed(netbox.KindVirtualMachine, map[string]any{"id": 11, "name": "b", "status": "active", "vcpus": 2, "memory": 2048})
		fake.Seed(netbox.KindInterface, map[string]any{"id": 20, "name": "eth0", "virtual_machine": 10})
		fake.Seed(netbox.KindInterface, map[string]any{"id": 21, "name": "eth0", "virtual_machine": 11})
		fake.Seed(netbox.KindIPAddress, map[string]any{
			"id":                   30, "address": "10.0.0.7/24", "status": "active",
			"assigned_object_type": netbox.AssignedVMInterface, "assigned_object_id": 20,
		})
		data.VMs = []inventory.VM{
			{Name: "b", Status: "RUNNING", NetworkInterfaces: []inventory.NetworkInterface{{PrimaryV4: "10.0.0.7"}}},
			{Name: "a", Status: "RUNNING"},
		}

		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, batch.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Apply.Errors).To(BeZero())
		Expect(stats.Apply.IPsReassigned).To(Equal(1))
		Expect(stats.Apply.PrimaryIPsChanged).To(Equal(2))

		var placement []netboxtest.Write
		for _, w := range fake.Writes(http.MethodPatch) {
			_, primary := w.Body["primary_ip4"]
			_, assignment := w.Body["assigned_object_id"]
			if primary || assignment {
				placement = append(placement, w)
			}
		}
		Expect(placement).To(HaveLen(3))
		Expect(placement[0].ID).To(Equal(10))
		Expect(placement[0].Body["primary_ip4"]).To(BeNil())
		Expect(placement[1].Kind).To(Equal(netbox.KindIPAddress))
		Expect(placement[1].Body["assigned_object_id"]).To(BeNumerically("==", 21))
		Expect(placement[2].ID).To(Equal(11))
		Expect(placement[2].Body["primary_ip4"]).To(BeNumerically("==", 30))
	})

	It("keeps a private primary that is still attached", func() {
		fake.Seed(netbox.KindVirtualMachine, map[string]any{"id": 10, "name": "a", "status": "active", "vcpus": 2, "memory": 2048, "primary_ip4": 31})
		fake.Seed(netbox.KindInterface, map[string]any{"id": 20, "name": "eth0", "virtual_machine": 10})
		fake.Seed(netbox.KindInterface, map[string]any{"id": 21, "name": "eth1", "virtual_machine": 10})
		fake.Seed(netbox.KindIPAddress, map[string]any{
			"id":                   30, "address": "10.0.0.7/32", "status": "active",
			"assigned_object_type": netbox.AssignedVMInterface, "assigned_object_id": 20,
		})
		fake.Seed(netbox.KindIPAddress, map[string]any{
			"id":                   31, "address": "10.1.0.7/32", "status": "active",
			"assigned_object_type": netbox.AssignedVMInterface, "assigned_object_id": 21,
		})
		data.VMs = []inventory.VM{{
			Name:   "a",
			Status: "RUNNING",
			NetworkInterfaces: []inventory.NetworkInterface{
				{PrimaryV4: "10.0.0.7"},
				{PrimaryV4: "10.1.0.7"},
			},
		}}

		stats, err := nbsync.Standard(ctx, newSession(ctx, fake, false), data, mapping, batch.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Apply.PrimaryIPsChanged).To(BeZero())

		var vm netbox.VirtualMachine
		Expect(fake.Load(netbox.KindVirtualMachine, 10, &vm)).To(BeTrue())
		Expect(netbox.IPRefID(vm.PrimaryIP4)).To(Equal(31))
	})
})
