// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/itstheanurag/judgebox/internal/sandbox"
)

// ExecFunc scripts the outcome of an exec. The call counter is the number of
// execs issued against the runtime so far, starting at 1.
type ExecFunc func(call int, containerID string, req sandbox.ExecRequest) (sandbox.ExecResult, error)

type Container struct {
	ID      string
	Spec    sandbox.ContainerSpec
	Running bool
	Removed bool
	// Files holds whatever was streamed in through exec stdin.
	Stdin [][]byte
}

// Runtime records every call and lets tests inject failures. The zero value
// is not usable; call New.
type Runtime struct {
	mu sync.Mutex

	Images      map[string]bool
	InspectErr  error
	PullErr     error
	CreateErr   func(spec sandbox.ContainerSpec) error
	StartErr    error
	StopErr     error
	RemoveErr   func(id string) error
	ExecFn      ExecFunc
	Samples     []int64
	SamplesErr  error
	ListedExtra []string

	// OnSamples is called whenever a stats stream is opened.
	OnSamples func(containerID string)

	containers map[string]*Container
	seq        int
	execCalls  int

	Pulls    []string
	Inspects []string
	Execs    []RecordedExec
	Created  int
	Started  int
	Stopped  int
	Removed  int
	Closed   bool
}

type RecordedExec struct {
	ContainerID string
	Cmd         []string
}

func New() *Runtime {
	return &Runtime{
		Images:     make(map[string]bool),
		containers: make(map[string]*Container),
	}
}

var _ sandbox.Runtime = (*Runtime)(nil)

func (r *Runtime) ImageExists(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inspects = append(r.Inspects, ref)
	if r.InspectErr != nil {
		return r.InspectErr
	}
	if !r.Images[ref] {
		return fmt.Errorf("%w: %s", sandbox.ErrImageNotFound, ref)
	}
	return nil
}

func (r *Runtime) PullImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pulls = append(r.Pulls, ref)
	if r.PullErr != nil {
		return r.PullErr
	}
	r.Images[ref] = true
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}
	r.seq++
	r.Created++
	id := fmt.Sprintf("c%03d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec}
	return id, nil
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.Running = true
	r.Started++
	return nil
}

func (r *Runtime) Exec(_ context.Context, id string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	var stdin []byte
	if req.Stdin != nil {
		stdin, _ = io.ReadAll(req.Stdin)
	}

	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok || c.Removed {
		r.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("no such container %s", id)
	}
	if stdin != nil {
		c.Stdin = append(c.Stdin, stdin)
	}
	r.execCalls++
	call := r.execCalls
	r.Execs = append(r.Execs, RecordedExec{ContainerID: id, Cmd: append([]string(nil), req.Cmd...)})
	fn := r.ExecFn
	r.mu.Unlock()

	if fn == nil {
		return sandbox.ExecResult{}, nil
	}
	return fn(call, id, req)
}

func (r *Runtime) MemorySamples(_ context.Context, id string) (<-chan int64, error) {
	r.mu.Lock()
	samples := append([]int64(nil), r.Samples...)
	err := r.SamplesErr
	hook := r.OnSamples
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan int64, len(samples))
	for _, s := range samples {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func (r *Runtime) StopContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StopErr != nil {
		return r.StopErr
	}
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
	r.Stopped++
	return nil
}

func (r *Runtime) RemoveContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveErr != nil {
		if err := r.RemoveErr(id); err != nil {
			return err
		}
	}
	if c, ok := r.containers[id]; ok {
		c.Running = false
		c.Removed = true
	}
	r.Removed++
	return nil
}

func (r *Runtime) ListContainers(_ context.Context, labels map[string]string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.containers {
		if c.Removed || !hasLabels(c.Spec.Labels, labels) {
			continue
		}
		ids = append(ids, id)
	}
	ids = append(ids, r.ListedExtra...)
	sort.Strings(ids)
	return ids, nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// Container returns a snapshot of the container with the given id.
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Live returns the ids of containers that have not been removed.
func (r *Runtime) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.containers {
		if !c.Removed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns created and removed container counters.
func (r *Runtime) Counts() (created, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Created, r.Removed
}

// ExecCommands returns the joined command line of every exec, in order.
func (r *Runtime) ExecCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Execs))
	for i, e := range r.Execs {
		out[i] = strings.Join(e.Cmd, " ")
	}
	return out
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
