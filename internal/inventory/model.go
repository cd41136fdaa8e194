package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	DiskTypeCloud = "cloud"
	DiskTypeLocal = "local"
)

// Data is one complete extraction of the cloud inventory.
type Data struct {
	Zones   []Zone   `json:"zones"`
	Clouds  []Cloud  `json:"clouds"`
	Folders []Folder `json:"folders"`
	VPCs    []VPC    `json:"vpcs"`
	Subnets []Subnet `json:"subnets"`
	VMs     []VM     `json:"vms"`

	// HasFetchErrors is raised when any per-folder listing failed and the
	// extraction cannot be trusted for orphan detection.
	HasFetchErrors bool `json:"has_fetch_errors"`
}

type Zone struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RegionID string `json:"region_id,omitempty"`
}

type Cloud struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CloudID     string `json:"cloud_id"`
	CloudName   string `json:"cloud_name"`
	Description string `json:"description,omitempty"`
}

type VPC struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	FolderID    string `json:"folder_id"`
	FolderName  string `json:"folder_name"`
	CloudID     string `json:"cloud_id"`
	CloudName   string `json:"cloud_name"`
	Description string `json:"description,omitempty"`
}

type Subnet struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CIDR        string `json:"cidr,omitempty"`
	VPCID       string `json:"vpc_id"`
	VPCName     string `json:"vpc_name,omitempty"`
	FolderID    string `json:"folder_id"`
	FolderName  string `json:"folder_name"`
	CloudID     string `json:"cloud_id"`
	CloudName   string `json:"cloud_name"`
	ZoneID      string `json:"zone_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type VM struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Status            string             `json:"status"`
	FolderID          string             `json:"folder_id"`
	FolderName        string             `json:"folder_name"`
	CloudID           string             `json:"cloud_id"`
	CloudName         string             `json:"cloud_name"`
	ZoneID            string             `json:"zone_id,omitempty"`
	Resources         Resources          `json:"resources"`
	Disks             []Disk             `json:"disks,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network_interfaces,omitempty"`
	OS                string             `json:"os,omitempty"`
	Description       string             `json:"description,omitempty"`
	Labels            map[string]string  `json:"labels,omitempty"`
	CreatedAt         string             `json:"created_at,omitempty"`
	PlatformID        string             `json:"platform_id,omitempty"`
}

type Resources struct {
	Memory       Quantity `json:"memory"`
	Cores        Quantity `json:"cores"`
	CoreFraction Quantity `json:"coreFraction,omitempty"`
}

type Disk struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type NetworkInterface struct {
	Index        int    `json:"index"`
	VPCID        string `json:"vpc_id,omitempty"`
	VPCName      string `json:"vpc_name,omitempty"`
	SubnetID     string `json:"subnet_id,omitempty"`
	SubnetName   string `json:"subnet_name,omitempty"`
	PrimaryV4    string `json:"primary_v4_address,omitempty"`
	PrimaryV4NAT string `json:"primary_v4_address_one_to_one_nat,omitempty"`
	ZoneID       string `json:"zone_id,omitempty"`
}

// Quantity is a numeric field the cloud API may return either as a JSON
// number or as a decimal string (int64 values are strings on the wire).
type Quantity string

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*q = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("quantity %s: %w", string(data), err)
		}
		*q = Quantity(n.String())
	}
	return nil
}

func (q Quantity) String() string {
	return string(q)
}

// FolderIDs returns the set of folder ids present in the extraction.
func (d *Data) FolderIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.Folders))
	for _, f := range d.Folders {
		ids[f.ID] = struct{}{}
	}
	return ids
}

func (d *Data) ZoneIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.Zones))
	for _, z := range d.Zones {
		ids[z.ID] = struct{}{}
	}
	return ids
}

func (d *Data) SubnetCIDRs() map[string]struct{} {
	cidrs := make(map[string]struct{}, len(d.Subnets))
	for _, s := range d.Subnets {
		if s.CIDR != "" {
			cidrs[s.CIDR] = struct{}{}
		}
	}
	return cidrs
}

func (d *Data) VMNames() map[string]struct{} {
	names := make(map[string]struct{}, len(d.VMs))
	for _, vm := range d.VMs {
		if vm.Name != "" {
			names[vm.Name] = struct{}{}
		}
	}
	return names
}

// DefaultZones stands in for the zone listing when it cannot be fetched.
func DefaultZones() []Zone {
	zones := make([]Zone, 0, 4)
	for _, suffix := range []string{"a", "b", "c", "d"} {
		id := "ru-central1-" + suffix
		zones = append(zones, Zone{ID: id, Name: id, RegionID: "ru-central1"})
	}
	return zones
}
