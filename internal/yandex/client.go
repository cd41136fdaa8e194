package yandex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultComputeURL         = "https://compute.api.cloud.yandex.net/compute/v1"
	DefaultResourceManagerURL = "https://resource-manager.api.cloud.yandex.net/resource-manager/v1"
	DefaultVPCURL             = "https://vpc.api.cloud.yandex.net/vpc/v1"

	defaultTimeout = 30 * time.Second
)

type Options struct {
	Token              string
	ComputeURL         string
	ResourceManagerURL string
	VPCURL             string
	Timeout            time.Duration
}

// Client reads the inventory from the Yandex Cloud REST APIs.
type Client struct {
	token              string
	computeURL         string
	resourceManagerURL string
	vpcURL             string
	httpClient         *http.Client
	log                *zap.SugaredLogger
}

func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		token:              opts.Token,
		computeURL:         baseURL(opts.ComputeURL, DefaultComputeURL),
		resourceManagerURL: baseURL(opts.ResourceManagerURL, DefaultResourceManagerURL),
		vpcURL:             baseURL(opts.VPCURL, DefaultVPCURL),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		log: zap.S().Named("yandex"),
	}
}

func baseURL(u, fallback string) string {
	if u == "" {
		u = fallback
	}
	return strings.TrimRight(u, "/")
}

func (c *Client) Zones(ctx context.Context) ([]Zone, error) {
	return listAll[Zone](ctx, c, c.computeURL+"/zones", nil, "zones")
}

func (c *Client) Clouds(ctx context.Context) ([]Cloud, error) {
	return listAll[Cloud](ctx, c, c.resourceManagerURL+"/clouds", nil, "clouds")
}

func (c *Client) Folders(ctx context.Context, cloudID string) ([]Folder, error) {
	return listAll[Folder](ctx, c, c.resourceManagerURL+"/folders", url.Values{"cloudId": {cloudID}}, "folders")
}

func (c *Client) Networks(ctx context.Context, folderID string) ([]Network, error) {
	return listAll[Network](ctx, c, c.vpcURL+"/networks", url.Values{"folderId": {folderID}}, "networks")
}

func (c *Client) Subnets(ctx context.Context, folderID string) ([]Subnet, error) {
	return listAll[Subnet](ctx, c, c.vpcURL+"/subnets", url.Values{"folderId": {folderID}}, "subnets")
}

func (c *Client) Instances(ctx context.Context, folderID string) ([]Instance, error) {
	return listAll[Instance](ctx, c, c.computeURL+"/instances", url.Values{"folderId": {folderID}}, "instances")
}

func (c *Client) Disk(ctx context.Context, diskID string) (*Disk, error) {
	var disk Disk
	if err := c.get(ctx, c.computeURL+"/disks/"+url.PathEscape(diskID), nil, &disk); err != nil {
		return nil, err
	}
	return &disk, nil
}

func (c *Client) Image(ctx context.Context, imageID string) (*Image, error) {
	var image Image
	if err := c.get(ctx, c.computeURL+"/images/"+url.PathEscape(imageID), nil, &image); err != nil {
		return nil, err
	}
	return &image, nil
}

// listAll walks nextPageToken until the listing is exhausted and returns
// the items found under field in every page.
func listAll[T any](ctx context.Context, c *Client, endpoint string, params url.Values, field string) ([]T, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}

	all := []T{}
	for {
		var page map[string]json.RawMessage
		if err := c.get(ctx, endpoint, query, &page); err != nil {
			return nil, err
		}
		if raw, ok := page[field]; ok {
			var items []T
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, errors.Wrapf(err, "failed to decode %s", field)
			}
			all = append(all, items...)
		}

		var token string
		if raw, ok := page["nextPageToken"]; ok {
			_ = json.Unmarshal(raw, &token)
		}
		if token == "" {
			return all, nil
		}
		query.Set("pageToken", token)
	}
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call %s", req.URL.Path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yandex cloud %s returned status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s", req.URL.Path)
	}
	return nil
}

// Zone and the types below mirror the subset of the Yandex Cloud API
// resources the extraction reads.
type Zone struct {
	ID       string `json:"id"`
	RegionID string `json:"regionId"`
	Status   string `json:"status"`
}

type Cloud struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Folder struct {
	ID          string `json:"id"`
	CloudID     string `json:"cloudId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Network struct {
	ID          string `json:"id"`
	FolderID    string `json:"folderId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Subnet struct {
	ID           string   `json:"id"`
	FolderID     string   `json:"folderId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	NetworkID    string   `json:"networkId"`
	ZoneID       string   `json:"zoneId"`
	V4CidrBlocks []string `json:"v4CidrBlocks"`
}

type Instance struct {
	ID                string              `json:"id"`
	FolderID          string              `json:"folderId"`
	CreatedAt         string              `json:"createdAt"`
	Name              string              `json:"name"`
	Description       string              `json:"description"`
	Labels            map[string]string   `json:"labels"`
	ZoneID            string              `json:"zoneId"`
	PlatformID        string              `json:"platformId"`
	Status            string              `json:"status"`
	Resources         inventory.Resources `json:"resources"`
	BootDisk          *AttachedDisk       `json:"bootDisk"`
	SecondaryDisks    []AttachedDisk      `json:"secondaryDisks"`
	LocalDisks        []LocalDisk         `json:"localDisks"`
	NetworkInterfaces []InstanceNIC       `json:"networkInterfaces"`
	PlacementPolicy   *PlacementPolicy    `json:"placementPolicy"`
}

type AttachedDisk struct {
	DiskID     string `json:"diskId"`
	DeviceName string `json:"deviceName"`
}

type LocalDisk struct {
	Size       inventory.Quantity `json:"size"`
	DeviceName string             `json:"deviceName"`
}

type PlacementPolicy struct {
	ZoneID string `json:"zoneId"`
}

type InstanceNIC struct {
	Index            string     `json:"index"`
	NetworkID        string     `json:"networkId"`
	SubnetID         string     `json:"subnetId"`
	PrimaryV4Address *PrimaryV4 `json:"primaryV4Address"`
}

type PrimaryV4 struct {
	Address     string       `json:"address"`
	OneToOneNat *OneToOneNat `json:"oneToOneNat"`
}

type OneToOneNat struct {
	Address string `json:"address"`
}

type Disk struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	TypeID        string             `json:"typeId"`
	Size          inventory.Quantity `json:"size"`
	SourceImageID string             `json:"sourceImageId"`
}

type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Family string `json:"family"`
}
