// Package dockerbox runs evaluations in Docker containers. Each Start
// creates one container from the language image with networking disabled, a
// read-only rootfs, and the resource limits from the spec, then attaches
// before starting so no output is lost.
package dockerbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/evalbox/evalbox/internal/domain"
)

// SourcePlaceholder marks where the in-container source path goes in a
// language command, e.g. ["python3", "{source}"].
const SourcePlaceholder = "{source}"

// sourceMountPath is where the submitted source is bind-mounted, read-only.
const sourceMountPath = "/workspace/source"

// tmpfsSpec gives programs a small scratch space despite the read-only
// rootfs.
const tmpfsSpec = "rw,noexec,nosuid,size=64m"

// Box talks to one Docker engine.
type Box struct {
	cli *client.Client
}

// New connects to the engine named by the standard DOCKER_HOST family of
// variables and verifies it responds.
func New(ctx context.Context) (*Box, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=dockerbox.New: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("op=dockerbox.New: ping engine: %w", err)
	}
	return &Box{cli: cli}, nil
}

var _ domain.Sandbox = (*Box)(nil)

// Start creates, attaches to, and starts a container for the spec.
func (b *Box) Start(ctx domain.Context, spec domain.SandboxSpec) (domain.SandboxProc, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	srcDir, err := writeSource(spec.SourceText)
	if err != nil {
		return nil, fmt.Errorf("op=dockerbox.Start: %w", err)
	}

	cfg := &container.Config{
		Image:      spec.Language.Image,
		Cmd:        renderCommand(spec.Language.Command),
		WorkingDir: "/workspace",
		Env:        []string{"EVAL_ID=" + spec.EvalID},
		Labels: map[string]string{
			"evalbox.eval-id":  spec.EvalID,
			"evalbox.language": spec.Language.Tag,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Binds:          []string{srcDir + ":/workspace:ro"},
		Tmpfs:          map[string]string{"/tmp": tmpfsSpec},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources:      resources(spec),
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if client.IsErrNotFound(err) {
		if err = b.pullImage(ctx, spec.Language.Image); err == nil {
			created, err = b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
		}
	}
	if err != nil {
		_ = os.RemoveAll(srcDir)
		return nil, fmt.Errorf("op=dockerbox.Start: create: %w", err)
	}

	attach, err := b.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		b.removeQuietly(created.ID, srcDir)
		return nil, fmt.Errorf("op=dockerbox.Start: attach: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		b.removeQuietly(created.ID, srcDir)
		return nil, fmt.Errorf("op=dockerbox.Start: start: %w", err)
	}

	return newProc(b.cli, created.ID, attach, srcDir), nil
}

func validateSpec(spec domain.SandboxSpec) error {
	switch {
	case spec.EvalID == "":
		return fmt.Errorf("op=dockerbox.Start: %w: empty eval id", domain.ErrInvalidArgument)
	case spec.Language.Image == "":
		return fmt.Errorf("op=dockerbox.Start: %w: language %q has no image", domain.ErrInvalidArgument, spec.Language.Tag)
	case len(spec.Language.Command) == 0:
		return fmt.Errorf("op=dockerbox.Start: %w: language %q has no command", domain.ErrInvalidArgument, spec.Language.Tag)
	case spec.TimeoutS <= 0:
		return fmt.Errorf("op=dockerbox.Start: %w: timeout_s must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

// renderCommand substitutes the source mount path into the catalog command.
func renderCommand(command []string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, SourcePlaceholder, sourceMountPath)
	}
	return out
}

func resources(spec domain.SandboxSpec) container.Resources {
	res := container.Resources{}
	if spec.MemoryBytes > 0 {
		res.Memory = spec.MemoryBytes
		// Same value for swap means no swap headroom beyond the limit.
		res.MemorySwap = spec.MemoryBytes
	}
	if spec.NanoCPUs > 0 {
		res.NanoCPUs = spec.NanoCPUs
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		res.PidsLimit = &pids
	}
	return res
}

// writeSource lands the submitted source in a fresh host directory that
// gets bind-mounted into the container.
func writeSource(src string) (string, error) {
	dir, err := os.MkdirTemp("", "evalbox-src-")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "source"), []byte(src), 0o444); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (b *Box) pullImage(ctx context.Context, ref string) error {
	rd, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rd.Close()
	// The pull only completes once its progress stream is drained.
	_, err = io.Copy(io.Discard, rd)
	return err
}

func (b *Box) removeQuietly(id, srcDir string) {
	_ = b.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	_ = os.RemoveAll(srcDir)
}
