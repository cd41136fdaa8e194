package netbox_test

import (
	"context"
	"net/http"

	"github.com/netbox-sync/netbox-sync/internal/netbox"
	"github.com/netbox-sync/netbox-sync/internal/netbox/netboxtest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("session", func() {
	var (
		ctx  context.Context
		fake *netboxtest.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = netboxtest.New()
	})

	Describe("DetectCapabilities", func() {
		It("enables scope and disks on current releases", func() {
			fake.SetVersion("4.2.3")
			caps := netbox.DetectCapabilities(ctx, fake)
			Expect(caps.VirtualDisks).To(BeTrue())
			Expect(caps.PrefixScope).To(BeTrue())
		})

		It("disables prefix scope before 4.2", func() {
			fake.SetVersion("4.1.0-Docker-3.0.2")
			caps := netbox.DetectCapabilities(ctx, fake)
			Expect(caps.VirtualDisks).To(BeTrue())
			Expect(caps.PrefixScope).To(BeFalse())
		})

		It("disables virtual disks on 3.x", func() {
			fake.SetVersion("3.7.8")
			caps := netbox.DetectCapabilities(ctx, fake)
			Expect(caps.VirtualDisks).To(BeFalse())
			Expect(caps.PrefixScope).To(BeFalse())
		})

		It("assumes a current release when the version is unreadable", func() {
			fake.SetVersion("unknown")
			caps := netbox.DetectCapabilities(ctx, fake)
			Expect(caps.VirtualDisks).To(BeTrue())
			Expect(caps.PrefixScope).To(BeTrue())
		})
	})

	Describe("EnsureSyncTag", func() {
		It("creates the tag once and caches it", func() {
			session := netbox.NewSession(fake, false, netbox.Capabilities{})
			id, err := session.EnsureSyncTag(ctx)
			Expect(err).To(BeNil())
			Expect(id).NotTo(BeZero())

			again, err := session.EnsureSyncTag(ctx)
			Expect(err).To(BeNil())
			Expect(again).To(Equal(id))
			Expect(fake.Writes(http.MethodPost)).To(HaveLen(1))

			var tag netbox.Tag
			Expect(fake.Load(netbox.KindTag, id, &tag)).To(BeTrue())
			Expect(tag.Color).To(Equal(netbox.SyncTagColor))
		})

		It("reuses an existing tag", func() {
			existing := fake.Seed(netbox.KindTag, netbox.Tag{Name: netbox.SyncTagName, Slug: netbox.SyncTagName})
			session := netbox.NewSession(fake, false, netbox.Capabilities{})
			id, err := session.EnsureSyncTag(ctx)
			Expect(err).To(BeNil())
			Expect(id).To(Equal(existing))
			Expect(fake.Writes("")).To(BeEmpty())
		})

		It("returns a placeholder id in dry-run", func() {
			session := netbox.NewSession(fake, true, netbox.Capabilities{})
			id, err := session.EnsureSyncTag(ctx)
			Expect(err).To(BeNil())
			Expect(id).To(Equal(netbox.DryRunID))
			Expect(fake.Count(netbox.KindTag)).To(BeZero())
		})
	})

	Describe("EnsureSite", func() {
		It("creates a tagged active site", func() {
			session := netbox.NewSession(fake, false, netbox.Capabilities{})
			tagID, _ := session.EnsureSyncTag(ctx)

			id, err := session.EnsureSite(ctx, "ru-central1-a", "ru-central1-a")
			Expect(err).To(BeNil())

			var site netbox.Site
			Expect(fake.Load(netbox.KindSite, id, &site)).To(BeTrue())
			Expect(site.Slug).To(Equal("ru-central1-a"))
			Expect(site.Description).To(Equal("Yandex Cloud Availability Zone: ru-central1-a"))
			Expect(netbox.ChoiceValue(site.Status)).To(Equal("active"))
			Expect(netbox.HasTag(site.Tags, tagID)).To(BeTrue())
		})

		It("repairs drift on an existing site", func() {
			existing := fake.Seed(netbox.KindSite, map[string]any{
				"name": "ru-central1-b", "slug": "ru-central1-b", "status": "planned", "description": "old",
			})
			session := netbox.NewSession(fake, false, netbox.Capabilities{})

			id, err := session.EnsureSite(ctx, "ru-central1-b", "")
			Expect(err).To(BeNil())
			Expect(id).To(Equal(existing))

			var site netbox.Site
			fake.Load(netbox.KindSite, id, &site)
			Expect(netbox.ChoiceValue(site.Status)).To(Equal("active"))
			Expect(site.Description).To(ContainSubstring("ru-central1-b"))
		})

		It("leaves an existing site untouched in dry-run", func() {
			fake.Seed(netbox.KindSite, map[string]any{"name": "ru-central1-b", "slug": "ru-central1-b", "status": "planned"})
			session := netbox.NewSession(fake, true, netbox.Capabilities{})

			_, err := session.EnsureSite(ctx, "ru-central1-b", "")
			Expect(err).To(BeNil())
			Expect(fake.Writes("")).To(BeEmpty())
		})
	})

	Describe("EnsureCluster", func() {
		It("names the cluster after cloud and folder and records the folder id", func() {
			session := netbox.NewSession(fake, false, netbox.Capabilities{})

			id, err := session.EnsureCluster(ctx, netbox.FolderCluster{
				FolderID: "b1gfolder", FolderName: "prod", CloudName: "acme", Description: "production",
			})
			Expect(err).To(BeNil())

			var cluster netbox.Cluster
			Expect(fake.Load(netbox.KindCluster, id, &cluster)).To(BeTrue())
			Expect(cluster.Name).To(Equal("acme/prod"))
			Expect(cluster.Comments).To(Equal("Folder ID: b1gfolder\nproduction"))
			Expect(netbox.FolderIDFromComments(cluster.Comments)).To(Equal("b1gfolder"))
			Expect(netbox.RefID(cluster.Type)).NotTo(BeZero())

			again, err := session.EnsureCluster(ctx, netbox.FolderCluster{
				FolderID: "b1gfolder", FolderName: "prod", CloudName: "acme", Description: "production",
			})
			Expect(err).To(BeNil())
			Expect(again).To(Equal(id))
			Expect(fake.Count(netbox.KindCluster)).To(Equal(1))
			Expect(fake.Count(netbox.KindClusterType)).To(Equal(1))
		})
	})

	Describe("EnsurePlatform", func() {
		It("creates the platform once per slug", func() {
			session := netbox.NewSession(fake, false, netbox.Capabilities{})
			first, err := session.EnsurePlatform(ctx, "ubuntu-22-04")
			Expect(err).To(BeNil())
			second, err := session.EnsurePlatform(ctx, "ubuntu-22-04")
			Expect(err).To(BeNil())
			Expect(second).To(Equal(first))
			Expect(fake.Count(netbox.KindPlatform)).To(Equal(1))
		})
	})

	Describe("EnsurePrefix", func() {
		It("scopes new prefixes to the site on current releases", func() {
			session := netbox.NewSession(fake, false, netbox.Capabilities{PrefixScope: true})
			id, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{CIDR: "10.0.0.0/24", VPCName: "default", SiteID: 5})
			Expect(err).To(BeNil())

			var prefix netbox.Prefix
			fake.Load(netbox.KindPrefix, id, &prefix)
			Expect(prefix.ScopeType).To(Equal(netbox.ScopeSite))
			Expect(prefix.SiteID()).To(Equal(5))
			Expect(prefix.Description).To(Equal("VPC: default"))
		})

		It("uses the legacy site field on older releases", func() {
			fake.Seed(netbox.KindSite, map[string]any{"id": 5, "name": "ru-central1-a", "slug": "ru-central1-a"})
			session := netbox.NewSession(fake, false, netbox.Capabilities{})
			id, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{CIDR: "10.0.1.0/24", VPCName: "default", SiteID: 5})
			Expect(err).To(BeNil())

			var prefix netbox.Prefix
			fake.Load(netbox.KindPrefix, id, &prefix)
			Expect(prefix.ScopeType).To(BeEmpty())
			Expect(prefix.SiteID()).To(Equal(5))
		})

		It("moves an existing prefix to the right site", func() {
			existing := fake.Seed(netbox.KindPrefix, map[string]any{"prefix": "10.0.2.0/24", "scope_type": "dcim.site", "scope_id": 3})
			session := netbox.NewSession(fake, false, netbox.Capabilities{PrefixScope: true})

			id, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{CIDR: "10.0.2.0/24", SiteID: 4})
			Expect(err).To(BeNil())
			Expect(id).To(Equal(existing))

			var prefix netbox.Prefix
			fake.Load(netbox.KindPrefix, id, &prefix)
			Expect(prefix.SiteID()).To(Equal(4))
		})

		It("keeps going when the token may not change prefixes", func() {
			existing := fake.Seed(netbox.KindPrefix, map[string]any{"prefix": "10.0.3.0/24", "scope_type": "dcim.site", "scope_id": 3})
			fake.FailOn(http.MethodPatch, netbox.KindPrefix, existing, netboxtest.Forbidden(http.MethodPatch, netbox.KindPrefix))
			session := netbox.NewSession(fake, false, netbox.Capabilities{PrefixScope: true})

			id, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{CIDR: "10.0.3.0/24", SiteID: 4})
			Expect(err).To(BeNil())
			Expect(id).To(Equal(existing))

			var prefix netbox.Prefix
			Expect(session.UpdatePrefixSite(ctx, netbox.Prefix{ID: existing, Prefix: "10.0.3.0/24"}, 4)).NotTo(Succeed())
			fake.Load(netbox.KindPrefix, id, &prefix)
			Expect(prefix.SiteID()).To(Equal(3))
		})

		It("creates nothing in dry-run", func() {
			session := netbox.NewSession(fake, true, netbox.Capabilities{PrefixScope: true})
			id, err := session.EnsurePrefix(ctx, netbox.PrefixSpec{CIDR: "10.0.4.0/24"})
			Expect(err).To(BeNil())
			Expect(id).To(BeZero())
			Expect(fake.Count(netbox.KindPrefix)).To(BeZero())
		})
	})
})
