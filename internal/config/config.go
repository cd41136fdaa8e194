package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "pgsql"
)

type Config struct {
	Yandex   *YandexConfig
	NetBox   *NetBoxConfig
	Database *DatabaseConfig
	Service  *ServiceConfig
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
}

type YandexConfig struct {
	Token              string        `envconfig:"YC_TOKEN" validate:"required"`
	ComputeURL         string        `envconfig:"YC_COMPUTE_URL" default:"https://compute.api.cloud.yandex.net/compute/v1" validate:"url"`
	ResourceManagerURL string        `envconfig:"YC_RESOURCE_MANAGER_URL" default:"https://resource-manager.api.cloud.yandex.net/resource-manager/v1" validate:"url"`
	VPCURL             string        `envconfig:"YC_VPC_URL" default:"https://vpc.api.cloud.yandex.net/vpc/v1" validate:"url"`
	Timeout            time.Duration `envconfig:"YC_TIMEOUT" default:"30s" validate:"gt=0"`
}

type NetBoxConfig struct {
	URL      string        `envconfig:"NETBOX_URL" validate:"required,url"`
	Token    string        `envconfig:"NETBOX_TOKEN" validate:"required"`
	Timeout  time.Duration `envconfig:"NETBOX_TIMEOUT" default:"30s" validate:"gt=0"`
	PageSize int           `envconfig:"NETBOX_PAGE_SIZE" default:"1000" validate:"gt=0"`
}

// DatabaseConfig locates the run history. An empty name disables it.
type DatabaseConfig struct {
	Type     string `envconfig:"NETBOX_SYNC_DB_TYPE" default:"sqlite" validate:"oneof=sqlite pgsql"`
	Hostname string `envconfig:"NETBOX_SYNC_DB_HOST" default:"localhost"`
	Port     string `envconfig:"NETBOX_SYNC_DB_PORT" default:"5432"`
	Name     string `envconfig:"NETBOX_SYNC_DB_NAME" default:""`
	User     string `envconfig:"NETBOX_SYNC_DB_USER" default:"admin"`
	Password string `envconfig:"NETBOX_SYNC_DB_PASS" default:""`
	Keep     int    `envconfig:"NETBOX_SYNC_DB_KEEP" default:"500" validate:"gte=0"`
}

type ServiceConfig struct {
	Address     string        `envconfig:"NETBOX_SYNC_ADDRESS" default:":9090"`
	Interval    time.Duration `envconfig:"NETBOX_SYNC_INTERVAL" default:"1h" validate:"gt=0"`
	Jitter      time.Duration `envconfig:"NETBOX_SYNC_JITTER" default:"5m" validate:"gte=0"`
	MetricsFile string        `envconfig:"NETBOX_SYNC_METRICS_FILE" default:""`
}

// New reads the configuration from the environment. It does not validate;
// call Complete and Validate before using it.
func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HistoryEnabled reports whether runs are recorded in a database.
func (c *Config) HistoryEnabled() bool {
	return c.Database != nil && c.Database.Name != ""
}

func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "YC_TOKEN=%s ", MaskToken(c.Yandex.Token))
	fmt.Fprintf(&b, "NETBOX_URL=%s ", c.NetBox.URL)
	fmt.Fprintf(&b, "NETBOX_TOKEN=%s ", MaskToken(c.NetBox.Token))
	fmt.Fprintf(&b, "LOG_LEVEL=%s", c.LogLevel)
	if c.HistoryEnabled() {
		fmt.Fprintf(&b, " NETBOX_SYNC_DB_TYPE=%s NETBOX_SYNC_DB_NAME=%s", c.Database.Type, c.Database.Name)
	}
	return b.String()
}

// MaskToken hides all but the edges of a secret. Short secrets are hidden
// completely.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}
