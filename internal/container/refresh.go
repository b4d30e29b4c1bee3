package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/SauersML/hpc-queue/internal/docker"
)

// ErrRefreshFailed is returned when the image-refresh collaborator fails;
// the caller fails the entire job attempt.
var ErrRefreshFailed = errors.New("container: image refresh failed")

// ImageRefresher keeps a container image up to date; the executor invokes
// it before every container execution. Callers must invoke Refresh
// under the same exclusion region used for repository sync.
type ImageRefresher interface {
	Refresh(ctx context.Context, image string) error
}

// ScriptRefresher shells out to an operator-supplied refresh command,
// typically the image builder's refresh script.
type ScriptRefresher struct {
	Command string
	Timeout time.Duration
}

// NewScriptRefresher creates a ScriptRefresher that runs command (a shell
// command line) whenever Refresh is called. The image argument is exposed
// to the script as $HPC_REFRESH_IMAGE.
func NewScriptRefresher(command string, timeout time.Duration) *ScriptRefresher {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &ScriptRefresher{Command: command, Timeout: timeout}
}

func (r *ScriptRefresher) Refresh(ctx context.Context, image string) error {
	if r.Command == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := buildShellCmd(ctx, r.Command)
	cmd.Env = append(os.Environ(), "HPC_REFRESH_IMAGE="+image)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrRefreshFailed, err, buf.String())
	}
	return nil
}

// DockerRefresher refreshes an image through the Docker daemon API
// directly, for operators whose container_bin names a Docker-compatible
// runtime rather than an Apptainer/Singularity-style CLI. It shares its
// daemon connection with any other collaborator via internal/docker.Client.
type DockerRefresher struct {
	client *docker.Client
}

// NewDockerRefresher connects to the Docker daemon. socketPath may be
// empty to use the SDK default resolution (DOCKER_HOST, etc.).
func NewDockerRefresher(socketPath string) (*DockerRefresher, error) {
	client, err := docker.NewClient(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return &DockerRefresher{client: client}, nil
}

func (r *DockerRefresher) Refresh(ctx context.Context, image string) error {
	exists, err := r.client.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if exists {
		return nil
	}
	if err := r.client.PullImage(ctx, image); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return nil
}
