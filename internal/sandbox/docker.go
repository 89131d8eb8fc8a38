package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const (
	maxConnections        = 100
	connectTimeout        = 30 * time.Second
	responseHeaderTimeout = 45 * time.Second

	maxOutputBytes = 1 << 20
)

type DockerConfig struct {
	// Host overrides DOCKER_HOST. Empty falls back to the environment and then
	// to the platform default socket.
	Host string
}

// DockerRuntime is the Runtime backed by the Docker Engine API. One instance
// is shared by the whole process; Close releases its connections.
type DockerRuntime struct {
	cli    *client.Client
	logger *zerolog.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

func NewDockerRuntime(cfg DockerConfig, logger *zerolog.Logger) (*DockerRuntime, error) {
	host := cfg.Host
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	if host == "" {
		host = client.DefaultDockerHost
	}

	httpClient, err := newHTTPClient(host)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithHTTPClient(httpClient),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// newHTTPClient bounds the shared connection pool and the connect and
// response-header latencies. The dialer ignores the address handed in by
// net/http because unix sockets carry a fake host.
func newHTTPClient(host string) (*http.Client, error) {
	u, err := client.ParseHostURL(host)
	if err != nil {
		return nil, fmt.Errorf("invalid docker host %q: %w", host, err)
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxConnsPerHost:       maxConnections,
		MaxIdleConnsPerHost:   maxConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, u.Scheme, u.Host)
		},
	}
	if u.Scheme == "unix" || u.Scheme == "npipe" {
		transport.DisableCompression = true
	}
	return &http.Client{Transport: transport}, nil
}

func (s *DockerRuntime) ImageExists(ctx context.Context, ref string) error {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	return fmt.Errorf("failed to inspect image %s: %w", ref, err)
}

func (s *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	reader, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull progress for %s: %w", ref, err)
	}
	return nil
}

func (s *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	pidsLimit := int64(PidsLimit)

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     MemoryLimitBytes,
			MemorySwap: MemoryLimitBytes, // no swap
			NanoCPUs:   NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			ScratchDir: "rw,exec,nosuid,size=64m,mode=1777",
		},
	}
	if spec.BindDir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.BindDir,
			Target: WorkDir,
		}}
	} else {
		hostConfig.Tmpfs[WorkDir] = "rw,exec,nosuid,size=64m,mode=1777"
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		Tty:             false,
		NetworkDisabled: true,
		WorkingDir:      WorkDir,
		User:            spec.User,
		Labels:          spec.Labels,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		s.logger.Warn().Str("container", resp.ID).Msg(w)
	}
	return resp.ID, nil
}

func (s *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}
	return nil
}

func (s *DockerRuntime) Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	execResp, err := s.cli.ContainerExecCreate(execCtx, id, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  req.Stdin != nil,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	startTime := time.Now()

	if req.Stdin != nil {
		go func() {
			_, _ = io.Copy(attachResp.Conn, req.Stdin)
			_ = attachResp.CloseWrite()
		}()
	}

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-execCtx.Done():
		// closing the hijacked connection unblocks the reader
		attachResp.Close()
		<-done
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + fmt.Sprintf("\n[terminated: exceeded %s]", req.Timeout),
			ExitCode: TimeoutExitCode,
			TimedOut: true,
			Duration: time.Since(startTime),
		}, nil
	}
	duration := time.Since(startTime)

	exitCode, err := s.waitExec(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, err
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// waitExec polls until the exec is reported as finished. The output stream can
// hit EOF slightly before the daemon records the exit code.
func (s *DockerRuntime) waitExec(ctx context.Context, execID string) (int, error) {
	for attempt := 0; ; attempt++ {
		inspect, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		if attempt >= 50 {
			return 0, fmt.Errorf("exec %s still running after output closed", shortID(execID))
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// statsFrame keeps only live usage. max_usage is cumulative over the
// container lifetime on cgroup v1 and would leak earlier runs into the figure.
type statsFrame struct {
	MemoryStats struct {
		Usage int64 `json:"usage"`
	} `json:"memory_stats"`
}

func (s *DockerRuntime) MemorySamples(ctx context.Context, id string) (<-chan int64, error) {
	resp, err := s.cli.ContainerStats(ctx, id, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats stream: %w", err)
	}

	samples := make(chan int64, 1)
	go func() {
		defer close(samples)
		defer resp.Body.Close()

		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		dec := json.NewDecoder(resp.Body)
		for {
			var frame statsFrame
			if err := dec.Decode(&frame); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					s.logger.Debug().Err(err).Str("container", shortID(id)).Msg("stats stream ended")
				}
				return
			}
			sample := frame.MemoryStats.Usage
			if sample <= 0 {
				continue
			}
			select {
			case samples <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return samples, nil
}

func (s *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	timeout := StopGraceSecond
	err := s.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err == nil || errdefs.IsNotModified(err) || isNotRunning(err) {
		return nil
	}
	return fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
}

func (s *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
}

func (s *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := s.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *DockerRuntime) Close() error {
	return s.cli.Close()
}

func isNotRunning(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is not running") || strings.Contains(msg, "already stopped")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
