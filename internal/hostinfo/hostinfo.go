// Package hostinfo describes the machine an agent runs on.
package hostinfo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Version is stamped at build time with -ldflags "-X .../hostinfo.Version=...".
var Version string

var versionOnce sync.Once

// AgentVersion returns the build version, or a dev marker for local builds.
func AgentVersion() string {
	versionOnce.Do(func() {
		if Version == "" {
			Version = fmt.Sprintf("dev-%d", time.Now().UTC().Unix())
		}
	})
	return Version
}

// Info is the host description returned by the sysinfo command.
type Info struct {
	AgentVersion   string      `json:"agent_version"`
	Fingerprint    string      `json:"fingerprint"`
	Hostname       string      `json:"hostname"`
	OS             string      `json:"os"`
	OSVersion      string      `json:"os_version"`
	Arch           string      `json:"arch"`
	Cores          int         `json:"cores"`
	MemoryBytes    uint64      `json:"memory_bytes"`
	DiskTotalBytes uint64      `json:"disk_total_bytes"`
	DiskFreeBytes  uint64      `json:"disk_free_bytes"`
	IPv4           []string    `json:"ipv4"`
	IPv6           []string    `json:"ipv6"`
	Containers     []Container `json:"containers,omitempty"`
}

// Summary renders Info as one human-readable line.
func (i Info) Summary() string {
	ips := strings.Join(i.IPv4, ",")
	if ips == "" {
		ips = "-"
	}
	return fmt.Sprintf("%s %s %s/%s cores=%d mem=%dMiB ipv4=%s containers=%d agent=%s",
		i.Hostname, i.OS, i.OSVersion, i.Arch, i.Cores, i.MemoryBytes>>20, ips, len(i.Containers), i.AgentVersion)
}

// Collect probes the host. Probes that fail leave their fields empty.
func Collect() Info {
	hostname, _ := os.Hostname()
	nets := inspectInterfaces()

	info := Info{
		AgentVersion: AgentVersion(),
		Fingerprint:  fingerprint(hostname, machineID(), nets),
		Hostname:     hostname,
		Arch:         runtime.GOARCH,
		Cores:        runtime.NumCPU(),
		MemoryBytes:  detectMemoryBytes(),
		IPv4:         nets.ipv4,
		IPv6:         nets.ipv6,
	}
	info.OS, info.OSVersion = detectOSVersion()
	info.DiskTotalBytes, info.DiskFreeBytes = detectDiskUsage()
	info.Containers, _ = listContainers(context.Background())
	return info
}

// fingerprint identifies the machine across agent restarts. Addresses are
// left out since DHCP changes them.
func fingerprint(hostname, machineID string, nets interfaces) string {
	h := blake3.New()
	for _, part := range []string{
		hostname,
		machineID,
		strings.Join(nets.macs, ","),
		strings.Join(nets.names, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func machineID() string {
	return firstReadable("/etc/machine-id", "/var/lib/dbus/machine-id")
}

// firstReadable returns the trimmed content of the first non-empty file
// among paths.
func firstReadable(paths ...string) string {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if data = bytes.TrimSpace(data); len(data) > 0 {
			return string(data)
		}
	}
	return ""
}

// interfaces is what one pass over the network interfaces yields.
type interfaces struct {
	names []string
	macs  []string
	ipv4  []string
	ipv6  []string
}

func inspectInterfaces() interfaces {
	var nets interfaces
	ifaces, err := net.Interfaces()
	if err != nil {
		return nets
	}
	for _, iface := range ifaces {
		nets.names = append(nets.names, iface.Name)
		if len(iface.HardwareAddr) > 0 {
			nets.macs = append(nets.macs, iface.HardwareAddr.String())
		}
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		nets.addAddrs(addrs)
	}
	return nets
}

func (n *interfaces) addAddrs(addrs []net.Addr) {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.IP.To4() != nil {
			n.ipv4 = append(n.ipv4, ipNet.IP.String())
		} else {
			n.ipv6 = append(n.ipv6, ipNet.IP.String())
		}
	}
}
