package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

// inspectDoc is the subset of `podman inspect` output podhost reads. Podman
// keeps the Docker field names for these, so the Docker API types decode it.
type inspectDoc struct {
	Name      string `json:"Name"`
	ImageName string `json:"ImageName"`
	State     struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	HostConfig struct {
		NetworkMode string `json:"NetworkMode"`
	} `json:"HostConfig"`
	NetworkSettings struct {
		Ports    nat.PortMap                          `json:"Ports"`
		Networks map[string]*network.EndpointSettings `json:"Networks"`
	} `json:"NetworkSettings"`
}

// parseInspect converts `podman inspect --type container` output into a
// Container. An empty array means the container does not exist.
func parseInspect(name string, raw []byte) (Container, error) {
	var docs []inspectDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return Container{}, fmt.Errorf("decode inspect output for %q: %w", name, err)
	}
	if len(docs) == 0 {
		return Container{Name: name, Status: StatusAbsent}, nil
	}
	doc := docs[0]

	c := Container{
		Name:        strings.TrimPrefix(doc.Name, "/"),
		Image:       doc.ImageName,
		Labels:      doc.Config.Labels,
		Ports:       make(map[int][]int),
		HostNetwork: doc.HostConfig.NetworkMode == "host",
	}
	if c.Name == "" {
		c.Name = name
	}
	if c.Image == "" {
		c.Image = doc.Config.Image
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	if doc.State.Running || strings.EqualFold(doc.State.Status, "running") {
		c.Status = StatusRunning
	} else {
		c.Status = StatusStopped
	}

	for port, bindings := range doc.NetworkSettings.Ports {
		if port.Proto() != "tcp" {
			continue
		}
		containerPort := port.Int()
		for _, b := range bindings {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil || hostPort <= 0 {
				continue
			}
			c.Ports[containerPort] = append(c.Ports[containerPort], hostPort)
		}
		sort.Ints(c.Ports[containerPort])
	}

	for net := range doc.NetworkSettings.Networks {
		c.Networks = append(c.Networks, net)
	}
	sort.Strings(c.Networks)
	return c, nil
}

// parseLogs trims engine log output to its last n non-empty lines.
func parseLogs(raw string, n int) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
