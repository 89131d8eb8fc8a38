package images

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrPullFailed = errors.New("image pull failed")

// Policy decides what happens when an image cannot be pulled.
type Policy int

const (
	// FailFast aborts the invocation.
	FailFast Policy = iota
	// BestEffort logs the failure and proceeds as if the image were cached.
	BestEffort
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "best-effort", "besteffort":
		return BestEffort, nil
	default:
		return FailFast, fmt.Errorf("unknown image policy %q", s)
	}
}

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "fail-fast"
}

type Provisioner struct {
	rt          sandbox.Runtime
	logger      *zerolog.Logger
	policy      Policy
	pullTimeout time.Duration
	pulls       singleflight.Group
}

func NewProvisioner(rt sandbox.Runtime, policy Policy, logger *zerolog.Logger) *Provisioner {
	return &Provisioner{
		rt:          rt,
		logger:      logger,
		policy:      policy,
		pullTimeout: sandbox.PullTimeout,
	}
}

// EnsureImage makes ref available locally. With forcePull it always pulls;
// otherwise it pulls only when inspection reports the image absent or fails.
func (p *Provisioner) EnsureImage(ctx context.Context, ref string, forcePull bool) error {
	if !forcePull {
		err := p.rt.ImageExists(ctx, ref)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sandbox.ErrImageNotFound) {
			p.logger.Warn().Err(err).Str("image", ref).Msg("image inspection failed, attempting pull")
		}
	}

	err := p.pull(ctx, ref)
	if err == nil {
		return nil
	}
	if p.policy == BestEffort {
		p.logger.Warn().Err(err).Str("image", ref).Msg("image pull failed, proceeding with local state")
		return nil
	}
	return err
}

// pull collapses concurrent pulls of the same reference into one request.
func (p *Provisioner) pull(ctx context.Context, ref string) error {
	_, err, _ := p.pulls.Do(ref, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.pullTimeout)
		defer cancel()

		p.logger.Info().Str("image", ref).Msg("pulling docker image")
		start := time.Now()
		if err := p.rt.PullImage(pullCtx, ref); err != nil {
			metrics.ImagePulls.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %s: %w", ErrPullFailed, ref, err)
		}
		metrics.ImagePulls.WithLabelValues("ok").Inc()
		p.logger.Info().Str("image", ref).Dur("took", time.Since(start)).Msg("successfully pulled docker image")
		return nil, nil
	})
	return err
}
