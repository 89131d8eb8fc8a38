package memory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
)

// cgroupPeakCommand prints the container cgroup's peak memory in bytes:
// memory.peak on cgroup v2, memory.max_usage_in_bytes on v1.
var cgroupPeakCommand = []string{
	"sh", "-c",
	"cat /sys/fs/cgroup/memory.peak 2>/dev/null || cat /sys/fs/cgroup/memory/memory.max_usage_in_bytes",
}

const fallbackTimeout = 5 * time.Second

// Collector reports a best-effort peak memory figure for a program running
// in a container. It never fails: anything it cannot measure is reported as 0.
type Collector struct {
	rt     sandbox.Runtime
	logger *zerolog.Logger
}

func NewCollector(rt sandbox.Runtime, logger *zerolog.Logger) *Collector {
	return &Collector{rt: rt, logger: logger}
}

// Sampler follows the stats stream of one container for the lifetime of a
// single exec.
type Sampler struct {
	c           *Collector
	containerID string
	cancel      context.CancelFunc
	done        chan struct{}
	// peak is written by the sampling goroutine and read after done closes.
	peak int64
}

// Start opens the stats stream and keeps the running maximum until Stop.
// Call it before issuing the exec being measured.
func (c *Collector) Start(ctx context.Context, containerID string) *Sampler {
	sampleCtx, cancel := context.WithCancel(ctx)
	s := &Sampler{
		c:           c,
		containerID: containerID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.loop(sampleCtx)
	return s
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	samples, err := s.c.rt.MemorySamples(ctx, s.containerID)
	if err != nil {
		s.c.logger.Debug().Err(err).Str("container", s.containerID).Msg("memory stats unavailable")
		return
	}
	for {
		select {
		case v, ok := <-samples:
			if !ok {
				return
			}
			if v > s.peak {
				s.peak = v
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends sampling and returns the peak seen while it ran. When the stream
// produced nothing it reads the cgroup peak counter instead.
func (s *Sampler) Stop(ctx context.Context) int64 {
	s.cancel()
	<-s.done
	if s.peak > 0 {
		return s.peak
	}
	return s.c.fromCgroup(ctx, s.containerID)
}

// Discard ends sampling without taking a reading.
func (s *Sampler) Discard() {
	s.cancel()
	<-s.done
}

func (c *Collector) fromCgroup(ctx context.Context, containerID string) int64 {
	res, err := c.rt.Exec(ctx, containerID, sandbox.ExecRequest{
		Cmd:     cgroupPeakCommand,
		Timeout: fallbackTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		c.logger.Debug().Err(err).Str("container", containerID).Msg("cgroup peak fallback failed")
		return 0
	}
	return parseBytes(res.Stdout)
}

func parseBytes(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
