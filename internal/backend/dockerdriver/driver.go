// Package dockerdriver implements backend.Driver against the local Docker
// daemon by shelling out to the docker CLI, the same way
// oriys/nova/internal/docker managed function-execution containers: no
// Docker SDK dependency, just exec.CommandContext and output parsing.
package dockerdriver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/testpool/testpoold/internal/backend"
)

const product = "docker"

func init() {
	backend.Global().Register(product, New)
}

// Config controls how the driver shells out to docker. Connection strings
// for this product are of the form "host=<docker host>" or empty for the
// local daemon.
type Config struct {
	DockerHost     string
	DefaultTimeout time.Duration
	CloneTimeout   time.Duration
	DestroyTimeout time.Duration
}

func defaultConfig() *Config {
	return &Config{
		DefaultTimeout: 10 * time.Second,
		CloneTimeout:   30 * time.Second,
		DestroyTimeout: 15 * time.Second,
	}
}

// Driver drives Docker containers as testpool resources. A container is
// considered a clone of templateName when it was started from the image
// named templateName, is named after the resource and carries the label
// testpool.template=<templateName>.
type Driver struct {
	cfg *Config
}

// New constructs a Driver bound to connection, satisfying backend.Factory.
// connection is parsed as "host=<value>"; an empty or unrecognized string
// uses the local Docker daemon.
func New(connection string) (backend.Driver, error) {
	cfg := defaultConfig()
	for _, part := range strings.Split(connection, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if kv[0] == "host" {
			cfg.DockerHost = kv[1]
		}
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...)
	if d.cfg.DockerHost != "" {
		cmd.Env = append(cmd.Env, "DOCKER_HOST="+d.cfg.DockerHost)
	}
	return cmd
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := d.command(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// Check verifies the docker CLI can reach a daemon.
func (d *Driver) Check(ctx context.Context) error {
	if _, err := d.run(ctx, "version"); err != nil {
		return fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	return nil
}

// List returns container names labeled as clones of templateName.
func (d *Driver) List(ctx context.Context, templateName string) ([]string, error) {
	out, err := d.run(ctx, "ps", "-a",
		"--filter", "label=testpool.template="+templateName,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Clone runs a new container named name from image templateName.
func (d *Driver) Clone(ctx context.Context, templateName, name string) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CloneTimeout)
	defer cancel()
	_, err := d.run(cctx, "run", "-d",
		"--name", name,
		"--label", "testpool.template="+templateName,
		templateName)
	if err != nil {
		if strings.Contains(err.Error(), "already in use") {
			return backend.ErrAlreadyExists
		}
		if strings.Contains(err.Error(), "No such image") {
			return fmt.Errorf("%w: image %s not found", backend.ErrFatalBackend, templateName)
		}
		return fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	return nil
}

// Destroy force-removes the named container. Missing containers are
// reported as backend.ErrNotFound; callers treat that as success.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.DestroyTimeout)
	defer cancel()
	_, err := d.run(cctx, "rm", "-f", name)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return backend.ErrNotFound
		}
		return fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	return nil
}

// Start reports run state. Clone already starts the container (docker run
// -d); a container found stopped is started with docker start.
func (d *Driver) Start(ctx context.Context, name string) (backend.StartState, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return backend.StartNone, backend.ErrNotFound
		}
		return backend.StartNone, fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	if strings.TrimSpace(out) == "true" {
		return backend.StartRunning, nil
	}
	if _, err := d.run(ctx, "start", name); err != nil {
		return backend.StartStopped, fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	return backend.StartRunning, nil
}

// IPGet returns the container's bridge-network IP, or "" if not assigned
// yet (the engine retries on the next attr cycle).
func (d *Driver) IPGet(ctx context.Context, name string) (string, error) {
	out, err := d.run(ctx, "inspect",
		"--format", "{{.NetworkSettings.IPAddress}}", name)
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return "", backend.ErrNotFound
		}
		return "", fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	return strings.TrimSpace(out), nil
}

// AttributesGet reports a small set of container attributes as key/value
// pairs.
func (d *Driver) AttributesGet(ctx context.Context, name string) (map[string]string, error) {
	out, err := d.run(ctx, "inspect",
		"--format", "{{.Id}}\t{{.Config.Image}}\t{{.State.Status}}", name)
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, err)
	}
	fields := strings.Split(strings.TrimSpace(out), "\t")
	attrs := map[string]string{}
	if len(fields) >= 1 {
		attrs["container_id"] = fields[0]
	}
	if len(fields) >= 2 {
		attrs["image"] = fields[1]
	}
	if len(fields) >= 3 {
		attrs["status"] = fields[2]
	}
	return attrs, nil
}

// NewNameGet derives "<templateName>-<index>" as the container name.
func (d *Driver) NewNameGet(templateName string, index int) string {
	return templateName + "-" + strconv.Itoa(index)
}

// TimingGet returns a fixed per-operation retry delay. Docker operations
// are fast and local, so these are shorter than a typical hypervisor driver.
func (d *Driver) TimingGet(op backend.TimingOp) time.Duration {
	switch op {
	case backend.TimingClone:
		return 3 * time.Second
	case backend.TimingDestroy:
		return 2 * time.Second
	case backend.TimingAttr:
		return 1 * time.Second
	default:
		return d.cfg.DefaultTimeout
	}
}
