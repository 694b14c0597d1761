package dockerbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/evalbox/evalbox/internal/domain"
)

// proc supervises one running container. The wait subscription uses its own
// lifetime context so cancelling the Start request does not orphan the exit
// status.
type proc struct {
	cli    *client.Client
	id     string
	attach types.HijackedResponse
	srcDir string

	stdout *io.PipeReader
	stderr *io.PipeReader

	waitCh <-chan container.WaitResponse
	errCh  <-chan error
	cancel context.CancelFunc

	mu        sync.Mutex
	done      bool
	status    domain.ExitStatus
	closeOnce sync.Once
}

func newProc(cli *client.Client, id string, attach types.HijackedResponse, srcDir string) *proc {
	lifetime, cancel := context.WithCancel(context.Background())
	waitCh, errCh := cli.ContainerWait(lifetime, id, container.WaitConditionNotRunning)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		// StdCopy returns when the attach stream hits EOF at container
		// exit; the pipes then relay that EOF to both readers.
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	return &proc{
		cli:    cli,
		id:     id,
		attach: attach,
		srcDir: srcDir,
		stdout: outR,
		stderr: errR,
		waitCh: waitCh,
		errCh:  errCh,
		cancel: cancel,
	}
}

func (p *proc) ContainerID() string { return p.id }

func (p *proc) Stdout() io.Reader { return p.stdout }

func (p *proc) Stderr() io.Reader { return p.stderr }

func (p *proc) Wait(ctx domain.Context) (domain.ExitStatus, error) {
	p.mu.Lock()
	if p.done {
		status := p.status
		p.mu.Unlock()
		return status, nil
	}
	p.mu.Unlock()

	select {
	case res := <-p.waitCh:
		if res.Error != nil {
			return domain.ExitStatus{}, fmt.Errorf("op=dockerbox.Wait: engine: %s", res.Error.Message)
		}
		status := domain.ExitStatus{Code: int(res.StatusCode)}

		// The wait response does not carry the OOM flag; a short inspect
		// on a detached context fills it in even if the caller's context
		// just expired.
		inspCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if insp, err := p.cli.ContainerInspect(inspCtx, p.id); err == nil && insp.State != nil {
			status.OOMKilled = insp.State.OOMKilled
		}

		p.mu.Lock()
		p.status, p.done = status, true
		p.mu.Unlock()
		return status, nil
	case err := <-p.errCh:
		return domain.ExitStatus{}, fmt.Errorf("op=dockerbox.Wait: %w", err)
	case <-ctx.Done():
		return domain.ExitStatus{}, ctx.Err()
	}
}

func (p *proc) Signal(ctx domain.Context, sig string) error {
	if sig == "" {
		return fmt.Errorf("op=dockerbox.Signal: %w: empty signal", domain.ErrInvalidArgument)
	}
	if err := p.cli.ContainerKill(ctx, p.id, sig); err != nil {
		return fmt.Errorf("op=dockerbox.Signal: %w", err)
	}
	return nil
}

func (p *proc) Close(ctx domain.Context) error {
	var removeErr error
	p.closeOnce.Do(func() {
		p.attach.Close()
		if err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
			removeErr = fmt.Errorf("op=dockerbox.Close: %w", err)
		}
		_ = os.RemoveAll(p.srcDir)
		p.cancel()
	})
	return removeErr
}
