package netbox

import "sort"

// Kind is the API path of a NetBox object collection, relative to /api/.
type Kind string

const (
	KindSite           Kind = "dcim/sites"
	KindPlatform       Kind = "dcim/platforms"
	KindClusterType    Kind = "virtualization/cluster-types"
	KindCluster        Kind = "virtualization/clusters"
	KindVirtualMachine Kind = "virtualization/virtual-machines"
	KindInterface      Kind = "virtualization/interfaces"
	KindVirtualDisk    Kind = "virtualization/virtual-disks"
	KindIPAddress      Kind = "ipam/ip-addresses"
	KindPrefix         Kind = "ipam/prefixes"
	KindTag            Kind = "extras/tags"
)

const (
	StatusActive = "active"

	AssignedVMInterface = "virtualization.vminterface"
	ScopeSite           = "dcim.site"
)

// Query holds list filters, encoded as query parameters.
type Query map[string]string

// Ref is the brief representation NetBox nests inside other objects.
type Ref struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// RefID returns the id of r or 0 when the reference is unset.
func RefID(r *Ref) int {
	if r == nil {
		return 0
	}
	return r.ID
}

type IPRef struct {
	ID      int    `json:"id"`
	Address string `json:"address,omitempty"`
}

func IPRefID(r *IPRef) int {
	if r == nil {
		return 0
	}
	return r.ID
}

// Choice is a NetBox choice field such as status.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

func ChoiceValue(c *Choice) string {
	if c == nil {
		return ""
	}
	return c.Value
}

type Tag struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

type Site struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	Status      *Choice `json:"status,omitempty"`
	Description string  `json:"description"`
	Tags        []Ref   `json:"tags,omitempty"`
}

type Platform struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ClusterType struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Tags        []Ref  `json:"tags,omitempty"`
}

type Cluster struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Type     *Ref    `json:"type,omitempty"`
	Status   *Choice `json:"status,omitempty"`
	Comments string  `json:"comments"`
	Tags     []Ref   `json:"tags,omitempty"`
}

// Prefix carries both the scope fields of NetBox 4.2+ and the legacy site
// reference of older releases.
type Prefix struct {
	ID          int     `json:"id"`
	Prefix      string  `json:"prefix"`
	Status      *Choice `json:"status,omitempty"`
	Description string  `json:"description"`
	ScopeType   string  `json:"scope_type,omitempty"`
	ScopeID     *int    `json:"scope_id,omitempty"`
	Site        *Ref    `json:"site,omitempty"`
	Tags        []Ref   `json:"tags,omitempty"`
}

// SiteID returns the site the prefix is scoped to, 0 when it has none.
func (p Prefix) SiteID() int {
	if p.ScopeType == ScopeSite && p.ScopeID != nil {
		return *p.ScopeID
	}
	return RefID(p.Site)
}

type VirtualMachine struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Status     *Choice `json:"status,omitempty"`
	Cluster    *Ref    `json:"cluster,omitempty"`
	Site       *Ref    `json:"site,omitempty"`
	Platform   *Ref    `json:"platform,omitempty"`
	VCPUs      float64 `json:"vcpus"`
	Memory     int     `json:"memory"`
	Comments   string  `json:"comments"`
	PrimaryIP4 *IPRef  `json:"primary_ip4,omitempty"`
	Tags       []Ref   `json:"tags,omitempty"`
}

// HasTag reports whether the object carries the tag with the given id.
func HasTag(tags []Ref, id int) bool {
	for _, t := range tags {
		if t.ID == id {
			return true
		}
	}
	return false
}

type Interface struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	VirtualMachine Ref    `json:"virtual_machine"`
	Enabled        bool   `json:"enabled"`
}

type IPAddress struct {
	ID                 int     `json:"id"`
	Address            string  `json:"address"`
	Status             *Choice `json:"status,omitempty"`
	Description        string  `json:"description"`
	AssignedObjectType string  `json:"assigned_object_type,omitempty"`
	AssignedObjectID   *int    `json:"assigned_object_id,omitempty"`
	Tags               []Ref   `json:"tags,omitempty"`
}

// InterfaceID returns the VM interface the address is assigned to, 0 when
// it is unassigned or assigned to another kind of object.
func (a IPAddress) InterfaceID() int {
	if a.AssignedObjectID == nil || a.AssignedObjectType != AssignedVMInterface {
		return 0
	}
	return *a.AssignedObjectID
}

type VirtualDisk struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Size           int    `json:"size"`
	VirtualMachine Ref    `json:"virtual_machine"`
	Description    string `json:"description"`
}

// Status is the subset of /api/status/ the sync inspects.
type Status struct {
	NetBoxVersion string `json:"netbox-version"`
}

type TagRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

type SiteRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Tags        []int  `json:"tags,omitempty"`
}

type PlatformRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ClusterTypeRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Tags        []int  `json:"tags,omitempty"`
}

type ClusterRequest struct {
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Status   string `json:"status"`
	Comments string `json:"comments"`
	Tags     []int  `json:"tags,omitempty"`
}

type PrefixRequest struct {
	Prefix      string `json:"prefix"`
	Status      string `json:"status"`
	Description string `json:"description"`
	ScopeType   string `json:"scope_type,omitempty"`
	ScopeID     int    `json:"scope_id,omitempty"`
	Site        int    `json:"site,omitempty"`
	Tags        []int  `json:"tags,omitempty"`
}

type VirtualMachineRequest struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	VCPUs    int    `json:"vcpus"`
	Memory   int    `json:"memory"`
	Comments string `json:"comments"`
	Cluster  int    `json:"cluster,omitempty"`
	Site     int    `json:"site,omitempty"`
	Platform int    `json:"platform,omitempty"`
	Tags     []int  `json:"tags,omitempty"`
}

// VirtualMachinePatch is a partial update; nil fields are left untouched.
type VirtualMachinePatch struct {
	Status   *string `json:"status,omitempty"`
	VCPUs    *int    `json:"vcpus,omitempty"`
	Memory   *int    `json:"memory,omitempty"`
	Comments *string `json:"comments,omitempty"`
	Cluster  *int    `json:"cluster,omitempty"`
	Site     *int    `json:"site,omitempty"`
	Platform *int    `json:"platform,omitempty"`
}

// Fields lists the names of the fields set in the patch.
func (p VirtualMachinePatch) Fields() []string {
	var fields []string
	for name, set := range map[string]bool{
		"status":   p.Status != nil,
		"vcpus":    p.VCPUs != nil,
		"memory":   p.Memory != nil,
		"comments": p.Comments != nil,
		"cluster":  p.Cluster != nil,
		"site":     p.Site != nil,
		"platform": p.Platform != nil,
	} {
		if set {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

func (p VirtualMachinePatch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

type InterfaceRequest struct {
	VirtualMachine int    `json:"virtual_machine"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
}

type IPAddressRequest struct {
	Address            string `json:"address"`
	Status             string `json:"status"`
	Description        string `json:"description"`
	AssignedObjectType string `json:"assigned_object_type,omitempty"`
	AssignedObjectID   int    `json:"assigned_object_id,omitempty"`
	Tags               []int  `json:"tags,omitempty"`
}

// AssignmentPatch moves an address onto a VM interface.
type AssignmentPatch struct {
	AssignedObjectType string `json:"assigned_object_type"`
	AssignedObjectID   int    `json:"assigned_object_id"`
}

func AssignToInterface(interfaceID int) AssignmentPatch {
	return AssignmentPatch{AssignedObjectType: AssignedVMInterface, AssignedObjectID: interfaceID}
}

// PrimaryIP4Patch sets or, with a nil id, clears a VM's primary IPv4.
type PrimaryIP4Patch struct {
	PrimaryIP4 *int `json:"primary_ip4"`
}

type VirtualDiskRequest struct {
	VirtualMachine int    `json:"virtual_machine"`
	Name           string `json:"name"`
	Size           int    `json:"size"`
	Description    string `json:"description,omitempty"`
}

type SizePatch struct {
	Size int `json:"size"`
}

// TagsPatch replaces the tag list of an object.
type TagsPatch struct {
	Tags []int `json:"tags"`
}
