package vmdata

import (
	"math"
	"strconv"
	"strings"

	"github.com/netbox-sync/netbox-sync/internal/inventory"
	"go.uber.org/zap"
)

const (
	DefaultPlatformSlug = "linux"

	StatusActive  = "active"
	StatusOffline = "offline"

	sourceRunning = "RUNNING"
	bytesPerMiB   = 1 << 20
)

// MemoryMB converts a source memory value into NetBox memory units.
// Values below 1000 are gigabytes, values below 1000000 are already in
// NetBox units and anything larger is a byte count.
func MemoryMB(memory inventory.Quantity) int {
	n, ok := digits(string(memory))
	if !ok {
		if memory != "" {
			zap.S().Named("vmdata").Warnf("could not parse memory value %q", memory)
		}
		return 0
	}
	switch {
	case n < 1000:
		return int(n * 1000)
	case n < 1000000:
		return int(n)
	default:
		return int(math.Round(float64(n) / bytesPerMiB))
	}
}

// VCPUs returns the core count, 1 when the value is missing or unparsable.
func VCPUs(cores inventory.Quantity) int {
	n, ok := digits(string(cores))
	if !ok || n == 0 {
		if cores != "" && !ok {
			zap.S().Named("vmdata").Warnf("could not parse cores value %q", cores)
		}
		return 1
	}
	return int(n)
}

func Status(sourceStatus string) string {
	if sourceStatus == sourceRunning {
		return StatusActive
	}
	return StatusOffline
}

// Comments renders the metadata block stored in the VM comments field.
func Comments(vm inventory.VM) string {
	id := vm.ID
	if id == "" {
		id = "unknown"
	}
	parts := []string{"YC VM ID: " + id}
	if vm.ZoneID != "" {
		parts = append(parts, "Zone: "+vm.ZoneID)
	}
	if vm.PlatformID != "" {
		parts = append(parts, "Hardware Platform: "+vm.PlatformID)
	}
	if vm.OS != "" {
		parts = append(parts, "OS: "+vm.OS)
	}
	if vm.CreatedAt != "" {
		parts = append(parts, "Created: "+vm.CreatedAt)
	}
	return strings.Join(parts, "\n")
}

// NormalizeComments trims every line and drops trailing blank lines.
func NormalizeComments(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func CommentsEqual(a, b string) bool {
	return NormalizeComments(a) == NormalizeComments(b)
}

// PlatformSlug maps an image name to a NetBox platform slug.
func PlatformSlug(osName string) string {
	name := strings.ToLower(osName)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(name, s) {
				return true
			}
		}
		return false
	}

	switch {
	case name == "":
		return DefaultPlatformSlug
	case has("windows"):
		for _, release := range []string{"2019", "2022", "2025"} {
			if has(release) {
				return "windows-" + release
			}
		}
		return "windows"
	case has("ubuntu"):
		if has("24.04", "24-04", "noble") && !has("22.04", "22-04", "jammy") {
			return "ubuntu-24-04"
		}
		return "ubuntu-22-04"
	case has("debian"):
		return "debian-11"
	case has("centos"):
		if has("7") {
			return "centos-7"
		}
	case has("alma"):
		if has("9") {
			return "almalinux-9"
		}
	case has("oracle"):
		if has("9") {
			return "oracle-linux-9"
		}
	}
	return DefaultPlatformSlug
}

// DiskSizeMB converts a byte count into NetBox disk units.
func DiskSizeMB(bytes int64) int {
	return int(bytes / bytesPerMiB)
}

// DiskSizes returns the desired disk set keyed by name. Disks with a zero
// size are left out.
func DiskSizes(disks []inventory.Disk) map[string]int {
	sizes := make(map[string]int, len(disks))
	for i, d := range disks {
		if d.Size <= 0 {
			continue
		}
		name := d.Name
		if name == "" {
			name = "disk-" + strconv.Itoa(i)
		}
		sizes[name] = DiskSizeMB(d.Size)
	}
	return sizes
}

func digits(s string) (int64, bool) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
