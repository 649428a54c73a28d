package hostinfo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Container is a running Docker container and its published ports.
type Container struct {
	Name  string   `json:"name"`
	Ports []string `json:"ports,omitempty"`
}

// listContainers shells out to `docker ps` rather than linking the Docker SDK.
// Hosts without docker return an error and no containers.
func listContainers(ctx context.Context) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "--format", "{{json .}}")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("docker ps failed: %s", detail)
	}
	return parseContainers(stdout.Bytes()), nil
}

// parseContainers decodes `docker ps --format '{{json .}}'` output, one
// object per line. Malformed rows are skipped.
func parseContainers(out []byte) []Container {
	var containers []Container
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var row struct {
			Names string `json:"Names"`
			Ports string `json:"Ports"`
		}
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			continue
		}

		c := Container{Name: row.Names}
		for _, raw := range strings.Split(row.Ports, ",") {
			if port := strings.TrimSpace(raw); port != "" {
				c.Ports = append(c.Ports, port)
			}
		}
		containers = append(containers, c)
	}
	return containers
}
