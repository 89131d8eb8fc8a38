package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/google/uuid"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Container labels used to find our own containers again.
const (
	LabelOwner    = "judgebox.owner"
	LabelLanguage = "judgebox.language"
	LabelKind     = "judgebox.kind"

	kindWarm      = "warm"
	kindEphemeral = "ephemeral"
)

// wipeCommand kills everything the previous submission left running (init is
// spared by kill -1) and empties the work dir and /tmp, dotfiles included.
var wipeCommand = []string{
	"sh", "-c",
	"kill -9 -1 2>/dev/null; rm -rf " + strings.Join([]string{
		sandbox.WorkDir + "/*", sandbox.WorkDir + "/.[!.]*",
		sandbox.ScratchDir + "/*", sandbox.ScratchDir + "/.[!.]*",
	}, " "),
}

var extractCommand = []string{"tar", "-x", "-C", sandbox.WorkDir, "-f", "-"}

var errPoolFull = errors.New("warm pool is full")

type Options struct {
	ReuseEnabled       bool
	MaxWarmPerLanguage int
	// User runs the container init process and every exec.
	User string
	// Owner is stamped on every container as LabelOwner.
	Owner     string
	BootGrace time.Duration
}

type Stats struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	WarmCreates      int64 `json:"warm_creates"`
	EphemeralCreates int64 `json:"ephemeral_creates"`
	Evictions        int64 `json:"evictions"`
	Warm             int   `json:"warm"`
}

// Manager hands out containers. With reuse enabled it keeps up to
// MaxWarmPerLanguage long-lived containers per language and falls back to
// ephemeral containers beyond that.
type Manager struct {
	rt     sandbox.Runtime
	opts   Options
	logger *zerolog.Logger
	reaper *Reaper

	// mu guards list mutation in warm and the pending counters. Claiming an
	// idle handle only needs its atomic state.
	mu      sync.Mutex
	warm    *xsync.MapOf[string, []*Handle]
	pending map[string]int

	hits             atomic.Int64
	misses           atomic.Int64
	warmCreates      atomic.Int64
	ephemeralCreates atomic.Int64
	evictions        atomic.Int64
}

func NewManager(rt sandbox.Runtime, opts Options, logger *zerolog.Logger) *Manager {
	if opts.Owner == "" {
		opts.Owner = "judgebox"
	}
	return &Manager{
		rt:      rt,
		opts:    opts,
		logger:  logger,
		reaper:  NewReaper(rt, logger),
		warm:    xsync.NewMapOf[string, []*Handle](),
		pending: make(map[string]int),
	}
}

func (m *Manager) Reaper() *Reaper { return m.reaper }

// Acquire returns a busy container whose work dir holds the contents of
// workspaceDir. Only a failure to create the ephemeral fallback is returned.
func (m *Manager) Acquire(ctx context.Context, profile languages.Profile, workspaceDir string) (*Handle, error) {
	if m.opts.ReuseEnabled {
		if h := m.takeIdle(profile.ID); h != nil {
			err := m.copyWorkspace(ctx, h, workspaceDir)
			if err == nil {
				m.hits.Add(1)
				metrics.PoolAcquisitions.WithLabelValues(profile.ID, "hit").Inc()
				return h, nil
			}
			m.logger.Warn().Err(err).Str("container", h.ID).Msg("failed to load workspace into warm container, evicting")
			m.evict(ctx, h)
		}
		m.misses.Add(1)

		h, err := m.createWarm(ctx, profile, StateBusy)
		if err == nil {
			if err = m.copyWorkspace(ctx, h, workspaceDir); err == nil {
				metrics.PoolAcquisitions.WithLabelValues(profile.ID, "warm_create").Inc()
				return h, nil
			}
			m.evict(ctx, h)
		}
		if !errors.Is(err, errPoolFull) {
			m.logger.Warn().Err(err).Str("language", profile.ID).Msg("warm container unavailable, using ephemeral")
		}
	}

	h, err := m.createEphemeral(ctx, profile, workspaceDir)
	if err != nil {
		return nil, err
	}
	metrics.PoolAcquisitions.WithLabelValues(profile.ID, "ephemeral").Inc()
	return h, nil
}

// Exec runs a command in the container behind h.
func (m *Manager) Exec(ctx context.Context, h *Handle, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	return m.rt.Exec(ctx, h.ID, req)
}

// Release returns a pooled container to the pool after wiping it, or destroys
// an ephemeral one. Failures are logged, never returned.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if !h.Pooled {
		m.destroy(ctx, h.ID)
		return
	}

	res, err := m.rt.Exec(ctx, h.ID, sandbox.ExecRequest{
		Cmd:     wipeCommand,
		Timeout: sandbox.CommandTimeout,
	})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("wipe exited with %d: %s", res.ExitCode, res.Combined())
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("container", h.ID).Msg("failed to wipe warm container, evicting")
		m.evict(ctx, h)
		return
	}
	h.markIdle()
}

// Prewarm starts idle containers for profile until n exist, capped at
// MaxWarmPerLanguage. It returns how many were started.
func (m *Manager) Prewarm(ctx context.Context, profile languages.Profile, n int) (int, error) {
	if !m.opts.ReuseEnabled || n <= 0 {
		return 0, nil
	}
	started := 0
	for m.warmCount(profile.ID) < n {
		if _, err := m.createWarm(ctx, profile, StateIdle); err != nil {
			if errors.Is(err, errPoolFull) {
				break
			}
			return started, err
		}
		started++
	}
	return started, nil
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Hits:             m.hits.Load(),
		Misses:           m.misses.Load(),
		WarmCreates:      m.warmCreates.Load(),
		EphemeralCreates: m.ephemeralCreates.Load(),
		Evictions:        m.evictions.Load(),
	}
	m.warm.Range(func(_ string, list []*Handle) bool {
		s.Warm += len(list)
		return true
	})
	return s
}

// ReconcileOrphans removes containers carrying our owner label that this
// process does not track, typically left behind by a crash.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	ids, err := m.rt.ListContainers(ctx, map[string]string{LabelOwner: m.opts.Owner})
	if err != nil {
		return 0, err
	}

	tracked := make(map[string]struct{})
	m.warm.Range(func(_ string, list []*Handle) bool {
		for _, h := range list {
			tracked[h.ID] = struct{}{}
		}
		return true
	})

	removed := 0
	for _, id := range ids {
		if _, ok := tracked[id]; ok {
			continue
		}
		m.destroy(ctx, id)
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("removed orphaned containers")
	}
	return removed, nil
}

// Shutdown destroys every warm container and sweeps the reaper.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var all []*Handle
	m.warm.Range(func(lang string, list []*Handle) bool {
		all = append(all, list...)
		m.warm.Delete(lang)
		return true
	})
	m.mu.Unlock()

	for _, h := range all {
		m.destroy(ctx, h.ID)
	}
	if left := m.reaper.Sweep(ctx); left > 0 {
		return fmt.Errorf("%d containers could not be removed", left)
	}
	return nil
}

func (m *Manager) takeIdle(languageID string) *Handle {
	list, _ := m.warm.Load(languageID)
	for _, h := range list {
		if h.tryAcquire() {
			return h
		}
	}
	return nil
}

func (m *Manager) warmCount(languageID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, _ := m.warm.Load(languageID)
	return len(list) + m.pending[languageID]
}

func (m *Manager) createWarm(ctx context.Context, profile languages.Profile, initial State) (*Handle, error) {
	m.mu.Lock()
	list, _ := m.warm.Load(profile.ID)
	if len(list)+m.pending[profile.ID] >= m.opts.MaxWarmPerLanguage {
		m.mu.Unlock()
		return nil, errPoolFull
	}
	m.pending[profile.ID]++
	m.mu.Unlock()

	id, err := m.startContainer(ctx, profile, kindWarm, "")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[profile.ID]--
	if err != nil {
		return nil, err
	}

	h := newHandle(id, profile.ID, true, sandbox.WorkDir)
	if initial == StateIdle {
		h.markIdle()
	}
	list, _ = m.warm.Load(profile.ID)
	m.warm.Store(profile.ID, append(list, h))
	m.warmCreates.Add(1)
	return h, nil
}

func (m *Manager) createEphemeral(ctx context.Context, profile languages.Profile, workspaceDir string) (*Handle, error) {
	id, err := m.startContainer(ctx, profile, kindEphemeral, workspaceDir)
	if err != nil {
		return nil, err
	}
	m.ephemeralCreates.Add(1)
	return newHandle(id, profile.ID, false, sandbox.WorkDir), nil
}

// startContainer creates and starts a container, then waits out the boot
// grace. A container that fails to start is removed again.
func (m *Manager) startContainer(ctx context.Context, profile languages.Profile, kind, bindDir string) (string, error) {
	start := time.Now()
	id, err := m.rt.CreateContainer(ctx, sandbox.ContainerSpec{
		Name:  fmt.Sprintf("judgebox-%s-%s-%s", profile.ID, kind, uuid.NewString()[:8]),
		Image: profile.Image,
		User:  m.opts.User,
		Labels: map[string]string{
			LabelOwner:    m.opts.Owner,
			LabelLanguage: profile.ID,
			LabelKind:     kind,
		},
		BindDir: bindDir,
	})
	if err != nil {
		return "", err
	}

	if err := m.rt.StartContainer(ctx, id); err != nil {
		m.destroy(context.WithoutCancel(ctx), id)
		return "", err
	}

	if m.opts.BootGrace > 0 {
		timer := time.NewTimer(m.opts.BootGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			m.destroy(context.WithoutCancel(ctx), id)
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	metrics.ContainerCreationTime.WithLabelValues(kind).Observe(float64(time.Since(start).Milliseconds()))
	m.logger.Debug().Str("container", id).Str("language", profile.ID).Str("kind", kind).Msg("container started")
	return id, nil
}

// copyWorkspace streams workspaceDir as a tar archive into the container.
func (m *Manager) copyWorkspace(ctx context.Context, h *Handle, workspaceDir string) error {
	tarball, err := archive.TarWithOptions(workspaceDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	defer tarball.Close()

	res, err := m.rt.Exec(ctx, h.ID, sandbox.ExecRequest{
		Cmd:     extractCommand,
		Stdin:   tarball,
		Timeout: sandbox.CommandTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tar exited with %d: %s", res.ExitCode, res.Combined())
	}
	return nil
}

func (m *Manager) evict(ctx context.Context, h *Handle) {
	m.mu.Lock()
	list, _ := m.warm.Load(h.LanguageID)
	kept := make([]*Handle, 0, len(list))
	for _, other := range list {
		if other != h {
			kept = append(kept, other)
		}
	}
	m.warm.Store(h.LanguageID, kept)
	m.mu.Unlock()

	m.evictions.Add(1)
	metrics.PoolEvictions.Inc()
	m.destroy(context.WithoutCancel(ctx), h.ID)
}

// destroy stops and removes a container. A failed removal is handed to the
// reaper.
func (m *Manager) destroy(ctx context.Context, id string) {
	if err := m.rt.StopContainer(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("container", id).Msg("failed to stop container")
	}
	if err := m.rt.RemoveContainer(ctx, id); err != nil {
		m.logger.Error().Err(err).Str("container", id).Msg("failed to remove container, handing to reaper")
		m.reaper.Add(id)
	}
}
