package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Fixed resource policy applied to every container.
const (
	MemoryLimitBytes = 256 * 1024 * 1024
	NanoCPUs         = 1_000_000_000
	PidsLimit        = 64

	CommandTimeout  = 10 * time.Second
	BootGrace       = 2 * time.Second
	PullTimeout     = 60 * time.Second
	StopGraceSecond = 1
)

// WorkDir is where sources live inside every container.
const WorkDir = "/workspace"

// ScratchDir is the container's tmpfs for compiler and program temp files.
const ScratchDir = "/tmp"

// TimeoutExitCode is reported for commands killed by their timeout.
const TimeoutExitCode = -1

var ErrImageNotFound = errors.New("image not found")

// ContainerSpec describes a sandbox container. Every container runs an idle
// init process; work is issued through Exec.
type ContainerSpec struct {
	Name   string
	Image  string
	Labels map[string]string
	User   string
	// BindDir, when set, is mounted read-write at WorkDir. Otherwise WorkDir
	// is a tmpfs private to the container.
	BindDir string
}

type ExecRequest struct {
	Cmd     []string
	WorkDir string
	Stdin   io.Reader
	Timeout time.Duration
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (r ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runtime is the container control plane. Every call blocks until done or
// until ctx expires.
type Runtime interface {
	// ImageExists returns ErrImageNotFound wrapped when the image is absent.
	ImageExists(ctx context.Context, ref string) error
	PullImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error)
	// MemorySamples streams memory usage samples in bytes. The channel is
	// closed when ctx is done or the stream ends.
	MemorySamples(ctx context.Context, id string) (<-chan int64, error)
	// StopContainer treats an already stopped container as success.
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, labels map[string]string) ([]string, error)

	Close() error
}
