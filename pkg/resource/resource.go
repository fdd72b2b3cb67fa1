// Package resource samples host memory pressure for admission decisions.
package resource

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

const (
	// Below this the sampler reports critical pressure: privilege is
	// clamped and heavy work refused.
	CriticalMemoryMB = 350
	// Below this only lightweight actions are admitted.
	LowMemoryMB = 512
)

// Sampler produces point-in-time resource snapshots. Implementations
// must never block the request path for long.
type Sampler interface {
	Sample() models.ResourceState
}

// ProcSampler reads MemAvailable from /proc/meminfo on every call, so
// each admission decision sees current pressure. CacheTTL is an opt-in
// escape hatch for hosts where even that read is too hot; it is off by
// default.
type ProcSampler struct {
	Path     string
	CacheTTL time.Duration

	mu       sync.Mutex
	cached   models.ResourceState
	cachedAt time.Time

	timeNow func() time.Time
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{
		Path:    "/proc/meminfo",
		timeNow: time.Now,
	}
}

func (s *ProcSampler) Sample() models.ResourceState {
	if s.CacheTTL <= 0 {
		return readMeminfo(s.Path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.CacheTTL {
		return s.cached
	}
	s.cached = readMeminfo(s.Path)
	s.cachedAt = now
	return s.cached
}

func readMeminfo(path string) models.ResourceState {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ResourceState{AvailableMemoryMB: -1}
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return models.ResourceState{AvailableMemoryMB: int(kb / 1024)}
	}
	return models.ResourceState{AvailableMemoryMB: -1}
}

// StaticSampler always returns the same snapshot. Used in tests and as
// a stand-in when host sampling is disabled.
type StaticSampler struct{ State models.ResourceState }

func (s StaticSampler) Sample() models.ResourceState { return s.State }

// Critical reports whether available memory is below the clamp threshold.
// An unknown reading is treated as healthy so a broken sampler cannot
// lock every caller out.
func Critical(st models.ResourceState) bool {
	return st.Known() && st.AvailableMemoryMB < CriticalMemoryMB
}

// Low reports whether available memory is below the heavy-work threshold.
func Low(st models.ResourceState) bool {
	return st.Known() && st.AvailableMemoryMB < LowMemoryMB
}
