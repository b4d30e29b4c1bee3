// Package docker wraps Docker daemon connectivity shared by any collaborator
// that needs to inspect or pull a container image — currently the agent's
// image-refresh step.
//
// If the daemon is not reachable (socket missing, daemon not running), calls
// return ErrDaemonUnavailable so a caller for whom Docker is optional can
// degrade gracefully instead of failing outright.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	dockerimage "github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// ErrDaemonUnavailable is returned when the Docker daemon cannot be reached.
var ErrDaemonUnavailable = errors.New("docker: daemon unavailable")

// Client wraps the Docker SDK client with the subset of operations the
// agent needs: existence checks and pulls for a single image reference.
type Client struct {
	api *dockerclient.Client
}

// NewClient connects to the Docker daemon at socketPath. An empty
// socketPath falls back to the SDK's default resolution (DOCKER_HOST env
// var, or /var/run/docker.sock on Linux/macOS).
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	api, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
	}
	return &Client{api: api}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
	}
	return nil
}

// ImageExists reports whether ref is already present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: inspect %q: %s", ErrDaemonUnavailable, ref, err)
}

// PullImage pulls ref and fully drains the daemon's progress stream before
// returning, so the image is guaranteed available once this call succeeds.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	rc, err := c.api.ImagePull(ctx, ref, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %q: %s", ErrDaemonUnavailable, ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: drain pull stream for %q: %s", ErrDaemonUnavailable, ref, err)
	}
	return nil
}

// Close releases the underlying client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
