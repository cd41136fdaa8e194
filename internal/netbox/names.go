package netbox

import (
	"regexp"
	"strings"
)

const (
	SyncTagName        = "synced-from-yc"
	SyncTagColor       = "2196f3"
	SyncTagDescription = "Object synced from Yandex Cloud"

	ClusterTypeName        = "yandex-cloud"
	ClusterTypeDescription = "Yandex Cloud Platform"

	folderIDMarker = "Folder ID:"
	zoneMarker     = "Availability Zone:"
)

var (
	invalidSlugChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-+`)
)

// ClusterName scopes a folder under its cloud so equally named folders of
// different clouds do not collide.
func ClusterName(cloudName, folderName string) string {
	if cloudName == "" {
		return folderName
	}
	return cloudName + "/" + folderName
}

func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(slug)
	slug = invalidSlugChars.ReplaceAllString(slug, "-")
	slug = repeatedDashes.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

func ClusterComments(folderID, description string) string {
	return strings.TrimSpace(folderIDMarker + " " + folderID + "\n" + description)
}

// FolderIDFromComments recovers the folder id written by ClusterComments.
// It returns "" when the comments carry no marker.
func FolderIDFromComments(comments string) string {
	_, rest, found := strings.Cut(comments, folderIDMarker)
	if !found {
		return ""
	}
	line, _, _ := strings.Cut(rest, "\n")
	return strings.TrimSpace(line)
}

func SiteSlug(zoneID string) string {
	return strings.ReplaceAll(strings.ToLower(zoneID), "_", "-")
}

func SiteDescription(zoneID string) string {
	return "Yandex Cloud " + zoneMarker + " " + zoneID
}

// SiteZoneID recovers the zone a synced site stands for, preferring the
// slug and falling back to the description.
func SiteZoneID(site Site) string {
	if site.Slug != "" {
		return site.Slug
	}
	_, rest, found := strings.Cut(site.Description, zoneMarker)
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}

func PrefixDescription(vpcName, description string) string {
	return strings.TrimSpace("VPC: " + vpcName + "\n" + description)
}
