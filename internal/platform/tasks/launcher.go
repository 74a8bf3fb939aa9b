package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

// Launcher starts one processing task per job. The returned handle is opaque;
// it is recorded on the job row for operators, never interpreted.
type Launcher interface {
	Launch(ctx context.Context, jobID string) (handle string, err error)
}

// ProcessLauncher runs the processor binary as a detached child process. One
// process handles exactly one job and exits.
type ProcessLauncher struct {
	log    *logger.Logger
	binary string
}

func NewProcessLauncher(log *logger.Logger) (*ProcessLauncher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	binary := envutil.String("PROCESSOR_BINARY", "")
	if binary == "" {
		return nil, fmt.Errorf("missing PROCESSOR_BINARY")
	}
	return &ProcessLauncher{
		log:    log.With("service", "ProcessLauncher"),
		binary: binary,
	}, nil
}

func (l *ProcessLauncher) Launch(ctx context.Context, jobID string) (string, error) {
	cmd := exec.Command(l.binary, "-job", jobID)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("launch processor for job %s: %w", jobID, err)
	}
	handle := fmt.Sprintf("proc-%d-%s", cmd.Process.Pid, uuid.NewString()[:8])

	// Reap the child so it never lingers as a zombie. Exit status is
	// irrelevant here: the job row is the source of truth.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.log.Warn("processor exited with error", "job_id", jobID, "handle", handle, "error", err)
		}
	}()

	l.log.Info("processor launched", "job_id", jobID, "handle", handle)
	return handle, nil
}
