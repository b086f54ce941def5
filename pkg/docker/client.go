package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// DefaultPort is the Docker daemon's standard TLS port.
const DefaultPort = 2376

// apiClient is the subset of the Docker API used by Host.
type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	Close() error
}

// Host is a connection to a single Docker daemon.
type Host struct {
	name    string
	client  apiClient
	backoff backoff.BackOff
}

// NewHost creates a client for the daemon at name:port. When certDir is set
// it must contain ca.pem, cert.pem and key.pem for mutual TLS.
func NewHost(name string, port int, certDir string) (*Host, error) {
	if port == 0 {
		port = DefaultPort
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
		client.WithHost(fmt.Sprintf("tcp://%s", addr(name, port))),
	}

	certDir = tlsDir(certDir, port)
	if certDir == "" && port == DefaultPort && os.Getenv("DOCKER_CERT_PATH") == "" {
		log.Warn("Connecting to the TLS port without TLS material", "host", name, "port", port)
	}

	if certDir != "" {
		opts = append(opts, client.WithTLSClientConfig(
			filepath.Join(certDir, "ca.pem"),
			filepath.Join(certDir, "cert.pem"),
			filepath.Join(certDir, "key.pem"),
		))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client for %s: %w", name, err)
	}

	return newHost(name, cli), nil
}

// tlsDir returns the directory to load client certificates from. Without an
// explicit directory or DOCKER_CERT_PATH, the TLS port falls back to
// ~/.docker when it holds a ca.pem.
func tlsDir(certDir string, port int) string {
	if certDir != "" || port != DefaultPort || os.Getenv("DOCKER_CERT_PATH") != "" {
		return certDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".docker")
	if _, err := os.Stat(filepath.Join(dir, "ca.pem")); err != nil {
		return ""
	}
	return dir
}

func newHost(name string, cli apiClient) *Host {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	return &Host{
		name:    name,
		client:  cli,
		backoff: b,
	}
}

func addr(name string, port int) string {
	return name + ":" + strconv.Itoa(port)
}

// Name returns the host label attached to every container it reports.
func (h *Host) Name() string {
	return h.name
}

// Close releases the underlying client.
func (h *Host) Close() error {
	return h.client.Close()
}

// Collect lists the running containers on the host and inspects each one.
// A container that disappears between list and inspect is skipped.
func (h *Host) Collect(ctx context.Context) ([]Container, error) {
	summaries, err := h.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, &ConnectivityError{Host: h.name, Op: "list containers", Err: err}
	}

	result := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		inspect, err := h.client.ContainerInspect(ctx, s.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				log.Debug("Container vanished before inspect", "host", h.name, "container", s.ID)
				continue
			}
			return nil, &ConnectivityError{Host: h.name, Op: "inspect container " + s.ID, Err: err}
		}
		result = append(result, h.toContainer(inspect))
	}

	log.Debug("Collected containers", "host", h.name, "count", len(result))
	return result, nil
}

func (h *Host) toContainer(inspect container.InspectResponse) Container {
	c := Container{
		ID:   inspect.ID,
		Host: h.name,
		Env:  map[string]string{},
	}

	if inspect.Config != nil {
		c.Env = parseEnv(inspect.Config.Env)
	}

	if ns := inspect.NetworkSettings; ns != nil {
		c.IPAddress = ns.IPAddress
		c.Ports = parsePorts(h.name, ns.Ports)
	}

	return c
}

// parseEnv splits KEY=VALUE entries. Entries without '=' map to "".
func parseEnv(env []string) map[string]string {
	result := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		result[k] = v
	}
	return result
}

// parsePorts flattens a port map into one entry per host binding, or a
// single unpublished entry when a port has no bindings.
func parsePorts(host string, pm nat.PortMap) []Port {
	keys := make([]nat.Port, 0, len(pm))
	for k := range pm {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Int() != keys[j].Int() {
			return keys[i].Int() < keys[j].Int()
		}
		return keys[i].Proto() < keys[j].Proto()
	})

	var ports []Port
	for _, k := range keys {
		udp := k.Proto() == "udp"
		bindings := pm[k]

		if len(bindings) == 0 {
			ports = append(ports, Port{ContainerPort: k.Int(), UDP: udp})
			continue
		}

		for _, b := range bindings {
			p := Port{ContainerPort: k.Int(), UDP: udp}
			if b.HostPort != "" {
				hp, err := strconv.Atoi(b.HostPort)
				if err != nil {
					log.Warn("Ignoring invalid host port", "host", host, "port", k, "host_port", b.HostPort)
				} else {
					p.HostPort = hp
				}
			}
			ports = append(ports, p)
		}
	}

	return ports
}
