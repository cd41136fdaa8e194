package yandex

import (
	"context"
	"strconv"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/pkg/errors"
)

const defaultPlatformID = "standard-v3"

// FetchAll extracts the whole inventory visible to the token. Listing
// clouds or folders is fatal; failures inside a single folder are logged
// and flagged on the result instead.
func (c *Client) FetchAll(ctx context.Context) (*inventory.Data, error) {
	data := &inventory.Data{}

	zones, err := c.Zones(ctx)
	if err != nil {
		c.log.Warnw("failed to list zones, using defaults", "error", err)
		data.Zones = inventory.DefaultZones()
	} else {
		for _, z := range zones {
			data.Zones = append(data.Zones, inventory.Zone{ID: z.ID, Name: z.ID, RegionID: z.RegionID})
		}
	}

	clouds, err := c.Clouds(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list clouds")
	}

	for _, cloud := range clouds {
		data.Clouds = append(data.Clouds, inventory.Cloud{ID: cloud.ID, Name: cloud.Name, Description: cloud.Description})

		folders, err := c.Folders(ctx, cloud.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list folders of cloud %s", cloud.ID)
		}

		for _, folder := range folders {
			f := inventory.Folder{
				ID:          folder.ID,
				Name:        folder.Name,
				CloudID:     cloud.ID,
				CloudName:   cloud.Name,
				Description: folder.Description,
			}
			data.Folders = append(data.Folders, f)
			c.fetchFolder(ctx, f, data)
		}
	}

	c.log.Infow("fetched inventory",
		"zones", len(data.Zones),
		"clouds", len(data.Clouds),
		"folders", len(data.Folders),
		"vpcs", len(data.VPCs),
		"subnets", len(data.Subnets),
		"vms", len(data.VMs),
		"fetch_errors", data.HasFetchErrors,
	)
	return data, nil
}

func (c *Client) fetchFolder(ctx context.Context, folder inventory.Folder, data *inventory.Data) {
	networks, err := c.Networks(ctx, folder.ID)
	if err != nil {
		c.log.Errorw("failed to list networks", "folder", folder.ID, "error", err)
		data.HasFetchErrors = true
	}
	vpcNames := make(map[string]string, len(networks))
	for _, n := range networks {
		vpcNames[n.ID] = n.Name
		data.VPCs = append(data.VPCs, inventory.VPC{
			ID:          n.ID,
			Name:        n.Name,
			FolderID:    folder.ID,
			FolderName:  folder.Name,
			CloudID:     folder.CloudID,
			CloudName:   folder.CloudName,
			Description: n.Description,
		})
	}

	subnets, err := c.Subnets(ctx, folder.ID)
	if err != nil {
		c.log.Errorw("failed to list subnets", "folder", folder.ID, "error", err)
		data.HasFetchErrors = true
	}
	subnetsByID := make(map[string]inventory.Subnet, len(subnets))
	for _, s := range subnets {
		sub := inventory.Subnet{
			ID:          s.ID,
			Name:        s.Name,
			VPCID:       s.NetworkID,
			VPCName:     vpcNames[s.NetworkID],
			FolderID:    folder.ID,
			FolderName:  folder.Name,
			CloudID:     folder.CloudID,
			CloudName:   folder.CloudName,
			ZoneID:      s.ZoneID,
			Description: s.Description,
		}
		if len(s.V4CidrBlocks) > 0 {
			sub.CIDR = s.V4CidrBlocks[0]
		}
		subnetsByID[s.ID] = sub
		data.Subnets = append(data.Subnets, sub)
	}

	instances, err := c.Instances(ctx, folder.ID)
	if err != nil {
		c.log.Errorw("failed to list instances", "folder", folder.ID, "error", err)
		data.HasFetchErrors = true
	}
	for _, inst := range instances {
		data.VMs = append(data.VMs, c.normalizeInstance(ctx, inst, folder, vpcNames, subnetsByID))
	}
}

func (c *Client) normalizeInstance(ctx context.Context, inst Instance, folder inventory.Folder, vpcNames map[string]string, subnets map[string]inventory.Subnet) inventory.VM {
	vm := inventory.VM{
		ID:          inst.ID,
		Name:        inst.Name,
		Status:      inst.Status,
		FolderID:    folder.ID,
		FolderName:  folder.Name,
		CloudID:     folder.CloudID,
		CloudName:   folder.CloudName,
		ZoneID:      inst.ZoneID,
		Resources:   inst.Resources,
		Description: inst.Description,
		Labels:      inst.Labels,
		CreatedAt:   inst.CreatedAt,
		PlatformID:  inst.PlatformID,
	}
	if vm.Name == "" {
		vm.Name = inst.ID
	}
	if vm.PlatformID == "" {
		vm.PlatformID = defaultPlatformID
	}
	if vm.ZoneID == "" && inst.PlacementPolicy != nil {
		vm.ZoneID = inst.PlacementPolicy.ZoneID
	}
	if vm.ZoneID == "" {
		for _, nic := range inst.NetworkInterfaces {
			if s, ok := subnets[nic.SubnetID]; ok && s.ZoneID != "" {
				vm.ZoneID = s.ZoneID
				break
			}
		}
	}

	if inst.BootDisk != nil && inst.BootDisk.DiskID != "" {
		disk, err := c.Disk(ctx, inst.BootDisk.DiskID)
		if err != nil {
			c.log.Warnw("failed to fetch boot disk", "vm", vm.Name, "disk", inst.BootDisk.DiskID, "error", err)
		} else {
			vm.Disks = append(vm.Disks, cloudDisk(disk))
			if disk.SourceImageID != "" {
				if image, err := c.Image(ctx, disk.SourceImageID); err != nil {
					c.log.Debugw("failed to fetch boot image", "vm", vm.Name, "image", disk.SourceImageID, "error", err)
				} else {
					vm.OS = image.Name
				}
			}
		}
	}

	for _, attached := range inst.SecondaryDisks {
		if attached.DiskID == "" {
			continue
		}
		disk, err := c.Disk(ctx, attached.DiskID)
		if err != nil {
			c.log.Warnw("failed to fetch secondary disk", "vm", vm.Name, "disk", attached.DiskID, "error", err)
			continue
		}
		vm.Disks = append(vm.Disks, cloudDisk(disk))
	}

	for _, local := range inst.LocalDisks {
		name := local.DeviceName
		if name == "" {
			name = "local"
		}
		size, _ := strconv.ParseInt(local.Size.String(), 10, 64)
		vm.Disks = append(vm.Disks, inventory.Disk{Name: name, Size: size, Type: inventory.DiskTypeLocal})
	}

	for i, nic := range inst.NetworkInterfaces {
		iface := inventory.NetworkInterface{
			Index:    i,
			SubnetID: nic.SubnetID,
			VPCID:    nic.NetworkID,
		}
		if idx, err := strconv.Atoi(nic.Index); err == nil {
			iface.Index = idx
		}
		if s, ok := subnets[nic.SubnetID]; ok {
			iface.SubnetName = s.Name
			iface.ZoneID = s.ZoneID
			if iface.VPCID == "" {
				iface.VPCID = s.VPCID
			}
		}
		iface.VPCName = vpcNames[iface.VPCID]
		if iface.ZoneID == "" {
			iface.ZoneID = vm.ZoneID
		}
		if nic.PrimaryV4Address != nil {
			iface.PrimaryV4 = nic.PrimaryV4Address.Address
			if nic.PrimaryV4Address.OneToOneNat != nil {
				iface.PrimaryV4NAT = nic.PrimaryV4Address.OneToOneNat.Address
			}
		}
		vm.NetworkInterfaces = append(vm.NetworkInterfaces, iface)
	}

	return vm
}

func cloudDisk(d *Disk) inventory.Disk {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	size, _ := strconv.ParseInt(d.Size.String(), 10, 64)
	return inventory.Disk{ID: d.ID, Name: name, Size: size, Type: inventory.DiskTypeCloud}
}
