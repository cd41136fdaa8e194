package netbox

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DryRunID stands in for the id of an object that would have been created.
const DryRunID = 1

var (
	virtualDisksSince = semver.MustParse("4.0.0")
	prefixScopeSince  = semver.MustParse("4.2.0")
)

// Capabilities describes version dependent features of the NetBox server.
type Capabilities struct {
	Version      string
	VirtualDisks bool
	PrefixScope  bool
}

// DetectCapabilities reads the server version from /api/status/. When the
// version cannot be determined the newest behaviour is assumed.
func DetectCapabilities(ctx context.Context, api API) Capabilities {
	caps := Capabilities{VirtualDisks: true, PrefixScope: true}
	log := zap.S().Named("netbox")

	status, err := api.Status(ctx)
	if err != nil {
		log.Warnf("could not read netbox status, assuming a current release: %v", err)
		return caps
	}
	caps.Version = status.NetBoxVersion

	v, err := semver.NewVersion(strings.TrimSpace(status.NetBoxVersion))
	if err != nil {
		log.Warnf("unrecognised netbox version %q, assuming a current release", status.NetBoxVersion)
		return caps
	}
	release, _ := v.SetPrerelease("")
	caps.VirtualDisks = !release.LessThan(virtualDisksSince)
	caps.PrefixScope = !release.LessThan(prefixScopeSince)
	log.Debugf("netbox %s: virtual disks=%t prefix scope=%t", v, caps.VirtualDisks, caps.PrefixScope)
	return caps
}

// FolderCluster describes the cluster a source folder maps to.
type FolderCluster struct {
	FolderID    string
	FolderName  string
	CloudName   string
	Description string
}

// PrefixSpec describes a subnet prefix to keep in NetBox.
type PrefixSpec struct {
	CIDR        string
	VPCName     string
	SiteID      int
	Description string
}

// Session wraps an API with per-run state: dry-run mode, server
// capabilities and ids that are resolved once per process.
type Session struct {
	api           API
	dryRun        bool
	caps          Capabilities
	tagID         int
	tagResolved   bool
	clusterTypeID int
	platforms     map[string]int
	log           *zap.SugaredLogger
}

func NewSession(api API, dryRun bool, caps Capabilities) *Session {
	return &Session{
		api:       api,
		dryRun:    dryRun,
		caps:      caps,
		platforms: map[string]int{},
		log:       zap.S().Named("netbox"),
	}
}

func (s *Session) API() API {
	return s.api
}

func (s *Session) DryRun() bool {
	return s.dryRun
}

func (s *Session) Capabilities() Capabilities {
	return s.caps
}

// TagID returns the cached sync tag id, 0 when the tag is unavailable.
func (s *Session) TagID() int {
	return s.tagID
}

// TagIDs returns the tag list to attach to created objects.
func (s *Session) TagIDs() []int {
	if s.tagID == 0 {
		return nil
	}
	return []int{s.tagID}
}

// EnsureSyncTag looks up or creates the tag marking sync managed objects.
// The result is cached for the lifetime of the session.
func (s *Session) EnsureSyncTag(ctx context.Context) (int, error) {
	if s.tagResolved {
		return s.tagID, nil
	}

	tag, err := FindOne[Tag](ctx, s.api, KindTag, Query{"slug": SyncTagName})
	if err != nil {
		return 0, errors.Wrap(err, "failed to look up sync tag")
	}
	if tag == nil {
		tag, err = FindOne[Tag](ctx, s.api, KindTag, Query{"name": SyncTagName})
		if err != nil {
			return 0, errors.Wrap(err, "failed to look up sync tag")
		}
	}
	if tag != nil {
		s.log.Debugf("found sync tag %s (ID: %d)", SyncTagName, tag.ID)
		s.setTag(tag.ID)
		return tag.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create tag: %s", SyncTagName)
		s.setTag(DryRunID)
		return DryRunID, nil
	}

	var created Tag
	err = s.api.Create(ctx, KindTag, TagRequest{
		Name:        SyncTagName,
		Slug:        SyncTagName,
		Color:       SyncTagColor,
		Description: SyncTagDescription,
	}, &created)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create sync tag")
	}
	s.log.Infof("created tag %s (ID: %d)", SyncTagName, created.ID)
	s.setTag(created.ID)
	return created.ID, nil
}

func (s *Session) setTag(id int) {
	s.tagID = id
	s.tagResolved = true
}

// AddSyncTag attaches the sync tag to an existing object that lacks it.
func (s *Session) AddSyncTag(ctx context.Context, kind Kind, id int, current []Ref) error {
	if s.tagID == 0 || s.dryRun || HasTag(current, s.tagID) {
		return nil
	}
	ids := make([]int, 0, len(current)+1)
	for _, t := range current {
		ids = append(ids, t.ID)
	}
	ids = append(ids, s.tagID)
	if err := s.api.Update(ctx, kind, id, TagsPatch{Tags: ids}, nil); err != nil {
		return errors.Wrapf(err, "failed to tag %s %d", kind, id)
	}
	return nil
}

// update applies a drift patch unless it is empty or the session is a dry run.
func (s *Session) update(ctx context.Context, kind Kind, id int, name string, patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would update %s %s: %v", kind, name, patch)
		return
	}
	if err := s.api.Update(ctx, kind, id, patch, nil); err != nil {
		s.log.Warnf("could not update %s %s: %v", kind, name, err)
		return
	}
	s.log.Infof("updated %s %s", kind, name)
}

func (s *Session) tag(ctx context.Context, kind Kind, id int, current []Ref) {
	if err := s.AddSyncTag(ctx, kind, id, current); err != nil {
		s.log.Debugf("could not add sync tag: %v", err)
	}
}

// EnsureSite keeps a site for an availability zone and returns its id.
func (s *Session) EnsureSite(ctx context.Context, zoneID, zoneName string) (int, error) {
	name := zoneName
	if name == "" {
		name = zoneID
	}
	slug := SiteSlug(zoneID)
	description := SiteDescription(zoneID)

	site, err := FindOne[Site](ctx, s.api, KindSite, Query{"name": name})
	if err == nil && site == nil {
		site, err = FindOne[Site](ctx, s.api, KindSite, Query{"slug": slug})
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up site %s", name)
	}

	if site != nil {
		patch := map[string]any{}
		if site.Name != name {
			patch["name"] = name
		}
		if site.Slug != slug {
			patch["slug"] = slug
		}
		if site.Description != description {
			patch["description"] = description
		}
		if ChoiceValue(site.Status) != StatusActive {
			patch["status"] = StatusActive
		}
		s.update(ctx, KindSite, site.ID, name, patch)
		s.tag(ctx, KindSite, site.ID, site.Tags)
		return site.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create site for zone: %s", name)
		return DryRunID, nil
	}

	var created Site
	err = s.api.Create(ctx, KindSite, SiteRequest{
		Name:        name,
		Slug:        slug,
		Status:      StatusActive,
		Description: description,
		Tags:        s.TagIDs(),
	}, &created)
	if err != nil {
		if existing, findErr := FindOne[Site](ctx, s.api, KindSite, Query{"slug": slug}); findErr == nil && existing != nil {
			s.log.Infof("found existing site %s (ID: %d)", existing.Name, existing.ID)
			return existing.ID, nil
		}
		return 0, errors.Wrapf(err, "failed to create site for zone %s", name)
	}
	s.log.Infof("created site for zone: %s (ID: %d)", name, created.ID)
	return created.ID, nil
}

// EnsureClusterType keeps the cluster type all synced clusters share.
func (s *Session) EnsureClusterType(ctx context.Context) (int, error) {
	if s.clusterTypeID != 0 {
		return s.clusterTypeID, nil
	}

	ct, err := FindOne[ClusterType](ctx, s.api, KindClusterType, Query{"name": ClusterTypeName})
	if err == nil && ct == nil {
		ct, err = FindOne[ClusterType](ctx, s.api, KindClusterType, Query{"slug": ClusterTypeName})
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to look up cluster type")
	}

	if ct != nil {
		patch := map[string]any{}
		if ct.Name != ClusterTypeName {
			patch["name"] = ClusterTypeName
		}
		if ct.Slug != ClusterTypeName {
			patch["slug"] = ClusterTypeName
		}
		if ct.Description != ClusterTypeDescription {
			patch["description"] = ClusterTypeDescription
		}
		s.update(ctx, KindClusterType, ct.ID, ClusterTypeName, patch)
		s.tag(ctx, KindClusterType, ct.ID, ct.Tags)
		s.clusterTypeID = ct.ID
		return ct.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create cluster type: %s", ClusterTypeName)
		s.clusterTypeID = DryRunID
		return DryRunID, nil
	}

	var created ClusterType
	err = s.api.Create(ctx, KindClusterType, ClusterTypeRequest{
		Name:        ClusterTypeName,
		Slug:        ClusterTypeName,
		Description: ClusterTypeDescription,
		Tags:        s.TagIDs(),
	}, &created)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create cluster type")
	}
	s.log.Infof("created cluster type: %s (ID: %d)", ClusterTypeName, created.ID)
	s.clusterTypeID = created.ID
	return created.ID, nil
}

// EnsureCluster keeps the cluster of a folder and returns its id.
func (s *Session) EnsureCluster(ctx context.Context, fc FolderCluster) (int, error) {
	folderName := fc.FolderName
	if folderName == "" {
		folderName = fc.FolderID
	}
	name := ClusterName(fc.CloudName, folderName)
	comments := ClusterComments(fc.FolderID, fc.Description)

	typeID, err := s.EnsureClusterType(ctx)
	if err != nil {
		return 0, err
	}

	cluster, err := FindOne[Cluster](ctx, s.api, KindCluster, Query{"name": name})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up cluster %s", name)
	}

	if cluster != nil {
		patch := map[string]any{}
		if RefID(cluster.Type) != typeID {
			patch["type"] = typeID
		}
		if cluster.Comments != comments {
			patch["comments"] = comments
		}
		s.update(ctx, KindCluster, cluster.ID, name, patch)
		s.tag(ctx, KindCluster, cluster.ID, cluster.Tags)
		return cluster.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create cluster: %s", name)
		return DryRunID, nil
	}

	var created Cluster
	err = s.api.Create(ctx, KindCluster, ClusterRequest{
		Name:     name,
		Type:     typeID,
		Status:   StatusActive,
		Comments: comments,
		Tags:     s.TagIDs(),
	}, &created)
	if err != nil {
		if existing, findErr := FindOne[Cluster](ctx, s.api, KindCluster, Query{"name": name}); findErr == nil && existing != nil {
			return existing.ID, nil
		}
		return 0, errors.Wrapf(err, "failed to create cluster %s", name)
	}
	s.log.Infof("created cluster: %s (ID: %d)", name, created.ID)
	return created.ID, nil
}

// EnsurePlatform returns the id of the platform with the given slug,
// creating it when missing. Ids are cached per slug.
func (s *Session) EnsurePlatform(ctx context.Context, slug string) (int, error) {
	if id, ok := s.platforms[slug]; ok {
		return id, nil
	}

	platform, err := FindOne[Platform](ctx, s.api, KindPlatform, Query{"slug": slug})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up platform %s", slug)
	}
	if platform != nil {
		s.platforms[slug] = platform.ID
		return platform.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create platform: %s", slug)
		s.platforms[slug] = DryRunID
		return DryRunID, nil
	}

	var created Platform
	if err := s.api.Create(ctx, KindPlatform, PlatformRequest{Name: slug, Slug: slug}, &created); err != nil {
		return 0, errors.Wrapf(err, "failed to create platform %s", slug)
	}
	s.log.Infof("created platform: %s (ID: %d)", slug, created.ID)
	s.platforms[slug] = created.ID
	return created.ID, nil
}

// EnsurePrefix keeps a subnet prefix and its site scope. It returns 0 for a
// prefix that would only be created in a dry run.
func (s *Session) EnsurePrefix(ctx context.Context, spec PrefixSpec) (int, error) {
	existing, err := FindOne[Prefix](ctx, s.api, KindPrefix, Query{"prefix": spec.CIDR})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up prefix %s", spec.CIDR)
	}

	if existing != nil {
		if spec.SiteID > 0 && existing.SiteID() != spec.SiteID {
			if err := s.UpdatePrefixSite(ctx, *existing, spec.SiteID); err != nil {
				s.log.Warnf("failed to update prefix %s scope: %v", spec.CIDR, err)
			}
		}
		s.tag(ctx, KindPrefix, existing.ID, existing.Tags)
		return existing.ID, nil
	}

	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would create prefix: %s", spec.CIDR)
		return 0, nil
	}

	req := PrefixRequest{
		Prefix:      spec.CIDR,
		Status:      StatusActive,
		Description: PrefixDescription(spec.VPCName, spec.Description),
		Tags:        s.TagIDs(),
	}
	if spec.SiteID > 0 {
		if s.caps.PrefixScope {
			req.ScopeType, req.ScopeID = ScopeSite, spec.SiteID
		} else {
			req.Site = spec.SiteID
		}
	}

	var created Prefix
	err = s.api.Create(ctx, KindPrefix, req, &created)
	if err != nil && req.ScopeType != "" && strings.Contains(strings.ToLower(err.Error()), "scope") {
		s.log.Debugf("scope fields rejected for prefix %s, retrying with the site field", spec.CIDR)
		req.ScopeType, req.ScopeID, req.Site = "", 0, spec.SiteID
		err = s.api.Create(ctx, KindPrefix, req, &created)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create prefix %s", spec.CIDR)
	}
	s.log.Infof("created prefix: %s", spec.CIDR)
	return created.ID, nil
}

// UpdatePrefixSite moves a prefix to another site, using the scope fields
// and falling back to the legacy site field.
func (s *Session) UpdatePrefixSite(ctx context.Context, prefix Prefix, siteID int) error {
	if s.dryRun {
		s.log.Infof("[DRY-RUN] Would move prefix %s to site %d", prefix.Prefix, siteID)
		return nil
	}

	var err error
	if s.caps.PrefixScope {
		err = s.api.Update(ctx, KindPrefix, prefix.ID, map[string]any{"scope_type": ScopeSite, "scope_id": siteID}, nil)
		if err == nil {
			s.log.Infof("updated prefix %s scope from site %d to %d", prefix.Prefix, prefix.SiteID(), siteID)
			return nil
		}
		if IsForbidden(err) {
			logPrefixPermissionHelp(s.log, prefix)
			return err
		}
	}

	err = s.api.Update(ctx, KindPrefix, prefix.ID, map[string]any{"site": siteID}, nil)
	if err == nil {
		s.log.Infof("updated prefix %s site from %d to %d", prefix.Prefix, prefix.SiteID(), siteID)
		return nil
	}
	if IsForbidden(err) {
		logPrefixPermissionHelp(s.log, prefix)
	}
	return errors.Wrapf(err, "cannot update prefix %s site assignment", prefix.Prefix)
}

func logPrefixPermissionHelp(log *zap.SugaredLogger, prefix Prefix) {
	log.Errorf("permission denied when updating prefix %s (ID: %d): the NetBox API token needs the 'ipam.change_prefix' permission", prefix.Prefix, prefix.ID)
	log.Info("To fix this issue:\n" +
		"1. Log into NetBox as an admin\n" +
		"2. Navigate to Admin -> API Tokens\n" +
		"3. Find your token and edit it\n" +
		"4. Add 'ipam | prefix | Can change prefix' permission\n" +
		"5. Save and retry the operation")
}
