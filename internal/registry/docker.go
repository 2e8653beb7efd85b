package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// DockerDiscoverer lists labelled running containers on the local socket.
// It backs the standalone deployment mode.
type DockerDiscoverer struct {
	client client.ContainerAPIClient
	logger logging.Logger
}

// NewDockerDiscoverer dials the docker daemon from the environment.
func NewDockerDiscoverer(logger logging.Logger) (*DockerDiscoverer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerDiscovererWithClient(cli, logger), nil
}

// NewDockerDiscovererWithClient wires an existing container API client.
func NewDockerDiscovererWithClient(cli client.ContainerAPIClient, logger logging.Logger) *DockerDiscoverer {
	return &DockerDiscoverer{client: cli, logger: logging.OrNop(logger)}
}

func (d *DockerDiscoverer) ListByLabel(ctx context.Context, selector string) ([]string, error) {
	args := filters.NewArgs(
		filters.Arg("label", selector),
		filters.Arg("status", "running"),
	)
	containers, err := d.client.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers by label %q: %w", selector, err)
	}
	urls := make([]string, 0, len(containers))
	for _, c := range containers {
		if url := containerURL(c); url != "" {
			urls = append(urls, url)
		}
	}
	d.logger.Debug("discovered %d containers for selector %q", len(urls), selector)
	return urls, nil
}

// containerURL prefers a published host port; containers without one are
// addressed by name on their first private port.
func containerURL(c container.Summary) string {
	for _, port := range c.Ports {
		if port.PublicPort > 0 {
			return fmt.Sprintf("http://localhost:%d", port.PublicPort)
		}
	}
	if len(c.Names) == 0 || len(c.Ports) == 0 {
		return ""
	}
	name := strings.TrimPrefix(c.Names[0], "/")
	return fmt.Sprintf("http://%s:%d", name, c.Ports[0].PrivatePort)
}
