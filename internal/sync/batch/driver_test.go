package batch_test

import (
	"context"
	"errors"
	"net/http"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/netbox/netboxtest"
	"github.com/netbox-sync/netbox-sync/internal/sync/batch"
	"github.com/netbox-sync/netbox-sync/internal/vmdata"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func webVM() inventory.VM {
	return inventory.VM{
		ID:         "fhm1abc",
		Name:       "web-1",
		Status:     "RUNNING",
		FolderID:   "f1",
		FolderName: "prod",
		CloudName:  "acme",
		ZoneID:     "ru-central1-a",
		PlatformID: "standard-v3",
		OS:         "ubuntu-22-04-lts",
		CreatedAt:  "2024-01-01T00:00:00Z",
		Resources:  inventory.Resources{Memory: "4294967296", Cores: "2"},
		Disks:      []inventory.Disk{{ID: "d1", Name: "boot", Size: 20 << 30, Type: inventory.DiskTypeCloud}},
		NetworkInterfaces: []inventory.NetworkInterface{{
			SubnetID:     "sub1",
			PrimaryV4:    "10.0.0.5",
			PrimaryV4NAT: "51.250.1.2",
		}},
	}
}

func newSession(ctx context.Context, fake *netboxtest.Fake, dryRun bool) *netbox.Session {
	session := netbox.NewSession(fake, dryRun, netbox.DetectCapabilities(ctx, fake))
	_, err := session.EnsureSyncTag(ctx)
	Expect(err).NotTo(HaveOccurred())
	return session
}

// relevantWrites keeps the writes that touch address placement.
func relevantWrites(fake *netboxtest.Fake) []netboxtest.Write {
	var out []netboxtest.Write
	for _, w := range fake.Writes(http.MethodPatch) {
		_, primary := w.Body["primary_ip4"]
		_, assignment := w.Body["assigned_object_id"]
		if primary || assignment {
			out = append(out, w)
		}
	}
	return out
}

var _ = Describe("Sync", func() {
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
		data = &inventory.Data{
			Zones:   []inventory.Zone{{ID: "ru-central1-a"}},
			Folders: []inventory.Folder{{ID: "f1", Name: "prod"}},
			VMs:     []inventory.VM{webVM()},
		}
		opts = batch.Options{Cleanup: true}
	})

	It("creates web-1 with interfaces, addresses and a private primary", func() {
		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
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
		vm := vms[0]
		Expect(vm.Name).To(Equal("web-1"))
		Expect(vm.VCPUs).To(BeNumerically("==", 2))
		Expect(vm.Memory).To(Equal(4096))
		Expect(netbox.ChoiceValue(vm.Status)).To(Equal("active"))
		Expect(netbox.RefID(vm.Cluster)).To(Equal(mapping.Folders["f1"]))
		Expect(netbox.RefID(vm.Site)).To(Equal(mapping.Zones["ru-central1-a"]))
		Expect(vm.Platform).NotTo(BeNil())
		Expect(vm.Platform.Slug).To(Equal("ubuntu-22-04"))
		Expect(vm.PrimaryIP4).NotTo(BeNil())
		Expect(vm.PrimaryIP4.Address).To(Equal("10.0.0.5/32"))

		var interfaces []netbox.Interface
		fake.All(netbox.KindInterface, &interfaces)
		Expect(interfaces).To(HaveLen(1))
		Expect(interfaces[0].Name).To(Equal("eth0"))
		Expect(interfaces[0].VirtualMachine.ID).To(Equal(vm.ID))

		var addresses []netbox.IPAddress
		fake.All(netbox.KindIPAddress, &addresses)
		Expect(addresses).To(ConsistOf(
			SatisfyAll(HaveField("Address", "10.0.0.5/32"), HaveField("Description", "Private IP")),
			SatisfyAll(HaveField("Address", "51.250.1.2/32"), HaveField("Description", "Public IP (NAT)")),
		))
		for _, a := range addresses {
			Expect(a.InterfaceID()).To(Equal(interfaces[0].ID))
		}

		var disks []netbox.VirtualDisk
		fake.All(netbox.KindVirtualDisk, &disks)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Name).To(Equal("boot"))
		Expect(disks[0].Size).To(Equal(20480))
	})

	It("changes nothing on a second run", func() {
		_, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		fake.ResetWrites()

		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats).To(Equal(batch.Stats{Skipped: 1}))
		Expect(fake.Writes("")).To(BeEmpty())
	})

	It("writes nothing in a dry run", func() {
		fake.ResetWrites()
		stats, err := batch.Sync(ctx, newSession(ctx, fake, true), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(Equal(1))
		Expect(stats.Apply).To(Equal(batch.ApplyStats{}))
		Expect(fake.Writes("")).To(BeEmpty())
	})

	It("reports drift of an existing VM in a dry run without applying it", func() {
		_, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		fake.ResetWrites()

		data.VMs[0].Resources.Memory = "8589934592"
		stats, err := batch.Sync(ctx, newSession(ctx, fake, true), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Updated).To(Equal(1))
		Expect(stats.Apply).To(Equal(batch.ApplyStats{}))
		Expect(fake.Writes("")).To(BeEmpty())
	})

	It("resizes, adds and removes disks on later runs", func() {
		_, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())

		data.VMs[0].Disks = []inventory.Disk{
			{Name: "boot", Size: 30 << 30},
			{Name: "data", Size: 100 << 30},
		}
		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Updated).To(Equal(1))
		Expect(stats.Apply.DisksUpdated).To(Equal(1))
		Expect(stats.Apply.DisksCreated).To(Equal(1))

		data.VMs[0].Disks = data.VMs[0].Disks[:1]
		stats, err = batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Apply.DisksDeleted).To(Equal(1))

		var disks []netbox.VirtualDisk
		fake.All(netbox.KindVirtualDisk, &disks)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Size).To(Equal(30720))
	})

	It("skips disks on NetBox releases without them", func() {
		fake.SetVersion("3.7.8")
		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Apply.DisksCreated).To(BeZero())
		Expect(fake.Count(netbox.KindVirtualDisk)).To(BeZero())
	})

	It("counts a primary that cannot be resolved as an error", func() {
		fake.FailOn(http.MethodPost, netbox.KindIPAddress, 0, errors.New("boom"))

		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Created).To(Equal(1))
		Expect(stats.Apply.IPsCreated).To(BeZero())
		Expect(stats.Apply.PrimaryIPsChanged).To(BeZero())
		Expect(stats.Apply.Errors).To(Equal(3))

		var vms []netbox.VirtualMachine
		fake.All(netbox.KindVirtualMachine, &vms)
		Expect(vms[0].PrimaryIP4).To(BeNil())
	})

	It("aborts when the snapshot cannot be loaded", func() {
		fake.FailOn(http.MethodGet, netbox.KindInterface, 0, errors.New("unavailable"))
		_, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
		Expect(err).To(MatchError(ContainSubstring("failed to load interfaces")))
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

		b := sourceVM("b", inventory.NetworkInterface{PrimaryV4: "10.0.0.7"})
		a := sourceVM("a")
		data.VMs = []inventory.VM{b, a}

		stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, batch.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Apply.Errors).To(BeZero())

		writes := relevantWrites(fake)
		Expect(writes).To(HaveLen(3))

		Expect(writes[0].Kind).To(Equal(netbox.KindVirtualMachine))
		Expect(writes[0].ID).To(Equal(10))
		Expect(writes[0].Body["primary_ip4"]).To(BeNil())

		Expect(writes[1].Kind).To(Equal(netbox.KindIPAddress))
		Expect(writes[1].ID).To(Equal(30))
		Expect(writes[1].Body["assigned_object_id"]).To(BeNumerically("==", 21))

		Expect(writes[2].Kind).To(Equal(netbox.KindVirtualMachine))
		Expect(writes[2].ID).To(Equal(11))
		Expect(writes[2].Body["primary_ip4"]).To(BeNumerically("==", 30))

		var vmA, vmB netbox.VirtualMachine
		Expect(fake.Load(netbox.KindVirtualMachine, 10, &vmA)).To(BeTrue())
		Expect(fake.Load(netbox.KindVirtualMachine, 11, &vmB)).To(BeTrue())
		Expect(vmA.PrimaryIP4).To(BeNil())
		Expect(netbox.IPRefID(vmB.PrimaryIP4)).To(Equal(30))
	})

	Context("orphaned VMs", func() {
		var tagID int

		BeforeEach(func() {
			tagID = fake.Seed(netbox.KindTag, netbox.TagRequest{Name: netbox.SyncTagName, Slug: netbox.SyncTagName})
			fake.Seed(netbox.KindVirtualMachine, map[string]any{"name": "ghost", "status": "active", "tags": []int{tagID}})
			fake.Seed(netbox.KindVirtualMachine, map[string]any{"name": "manual", "status": "active"})
		})

		It("deletes synced VMs that left the source", func() {
			stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Deleted).To(Equal(1))

			var vms []netbox.VirtualMachine
			fake.All(netbox.KindVirtualMachine, &vms)
			Expect(vms).To(ConsistOf(HaveField("Name", "manual"), HaveField("Name", "web-1")))
		})

		It("keeps them when cleanup is off", func() {
			stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, batch.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Deleted).To(BeZero())
			Expect(fake.Count(netbox.KindVirtualMachine)).To(Equal(3))
		})

		It("keeps them when the extraction is incomplete", func() {
			data.HasFetchErrors = true
			stats, err := batch.Sync(ctx, newSession(ctx, fake, false), data, mapping, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Deleted).To(BeZero())
		})
	})
})
