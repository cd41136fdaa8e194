package sync_test

import (
	"context"
	"errors"
	"net/http"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/netbox/netboxtest"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SyncInfrastructure", func() {
	var (
		ctx  context.Context
		fake *netboxtest.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = netboxtest.New()
	})

	It("maps zones, folders and subnets", func() {
		mapping, reclaimed := nbsync.SyncInfrastructure(ctx, newSession(ctx, fake, false), inventoryData(), false)
		Expect(reclaimed.Total()).To(BeZero())
		Expect(mapping.Zones).To(HaveKey("ru-central1-a"))
		Expect(mapping.Folders).To(HaveKey("f1"))

		var clusters []netbox.Cluster
		fake.All(netbox.KindCluster, &clusters)
		Expect(clusters).To(HaveLen(1))
		Expect(clusters[0].ID).To(Equal(mapping.Folders["f1"]))

		var prefixes []netbox.Prefix
		fake.All(netbox.KindPrefix, &prefixes)
		Expect(prefixes).To(HaveLen(1))
		Expect(prefixes[0].Prefix).To(Equal("10.0.0.0/24"))
		Expect(prefixes[0].SiteID()).To(Equal(mapping.Zones["ru-central1-a"]))
	})

	It("falls back to the default zones", func() {
		data := inventoryData()
		data.Zones = nil

		mapping, _ := nbsync.SyncInfrastructure(ctx, newSession(ctx, fake, false), data, false)
		Expect(mapping.Zones).To(HaveLen(len(inventory.DefaultZones())))
		Expect(fake.Count(netbox.KindSite)).To(Equal(len(inventory.DefaultZones())))
	})

	It("keeps going when a site cannot be created", func() {
		fake.FailOn(http.MethodPost, netbox.KindSite, 0, errors.New("boom"))

		mapping, _ := nbsync.SyncInfrastructure(ctx, newSession(ctx, fake, false), inventoryData(), false)
		Expect(mapping.Zones).To(BeEmpty())
		Expect(mapping.Folders).To(HaveKey("f1"))
		Expect(fake.Count(netbox.KindPrefix)).To(Equal(1))
	})

	It("writes nothing in a dry run", func() {
		session := newSession(ctx, fake, true)
		fake.ResetWrites()

		nbsync.SyncInfrastructure(ctx, session, inventoryData(), true)
		Expect(fake.Writes("")).To(BeEmpty())
	})
})
