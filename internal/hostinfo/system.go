package hostinfo

import (
	"bufio"
	"cmp"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 2 * time.Second

func detectOSVersion() (string, string) {
	switch runtime.GOOS {
	case "linux":
		name, version := parseOSRelease(firstReadable("/etc/os-release", "/usr/lib/os-release"))
		if name != "" || version != "" {
			return name, version
		}
		return "Linux", probe("uname", "-r")
	case "darwin":
		return cmp.Or(probe("sw_vers", "-productName"), "macOS"), probe("sw_vers", "-productVersion")
	case "windows":
		return cmp.Or(wmic("os", "get", "Caption")["Caption"], "Windows"), ""
	default:
		return runtime.GOOS, ""
	}
}

func detectMemoryBytes() uint64 {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		return parseMemInfo(string(data))
	case "darwin":
		return toUint64(probe("sysctl", "-n", "hw.memsize"))
	case "windows":
		return toUint64(wmic("OS", "get", "TotalVisibleMemorySize")["TotalVisibleMemorySize"]) << 10
	}
	return 0
}

// parseMemInfo extracts MemTotal from /proc/meminfo content.
func parseMemInfo(content string) uint64 {
	for _, line := range strings.Split(content, "\n") {
		rest, ok := strings.CutPrefix(line, "MemTotal:")
		if !ok {
			continue
		}
		kib, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
		return toUint64(kib) << 10
	}
	return 0
}

// parseOSRelease extracts a display name and version from os-release
// content. PRETTY_NAME wins over NAME.
func parseOSRelease(content string) (name, version string) {
	fields := keyValues(content, "=")
	for k, v := range fields {
		fields[k] = strings.Trim(v, `"'`)
	}
	return cmp.Or(fields["PRETTY_NAME"], fields["NAME"]), fields["VERSION"]
}

// keyValues splits "key<sep>value" lines. Lines without sep are ignored and
// the first occurrence of a key wins.
func keyValues(content, sep string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), sep)
		if !ok || k == "" {
			continue
		}
		if _, seen := out[k]; !seen {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// wmic runs a wmic query in /value mode and returns its Key=Value pairs.
func wmic(args ...string) map[string]string {
	return keyValues(probe("wmic", append(args, "/value")...), "=")
}

// probe runs a short host query and returns its trimmed stdout, or "" on
// any failure.
func probe(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output() // #nosec G204
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func toUint64(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
