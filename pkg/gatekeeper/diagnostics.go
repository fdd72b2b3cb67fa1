package gatekeeper

import (
	"fmt"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/breaker"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/executor"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/jobs"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/resource"
)

type Concurrency struct {
	Configured int `json:"configured"`
	Effective  int `json:"effective"`
}

// Diagnostics is the operator view of the gateway's moving parts.
type Diagnostics struct {
	Time           time.Time                `json:"time"`
	Memory         models.ResourceState     `json:"memory"`
	TierCeiling    string                   `json:"tier_ceiling"`
	Breakers       []breaker.EndpointStatus `json:"breakers,omitempty"`
	Queue          jobs.Stats               `json:"queue"`
	Backends       []executor.ProbeInfo     `json:"backends"`
	BlacklistRules int                      `json:"blacklist_rules"`
	Denials        map[string]int64         `json:"denials,omitempty"`
	Concurrency    Concurrency              `json:"concurrency"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

func (g *Gatekeeper) Diagnostics() Diagnostics {
	d := Diagnostics{
		Time:        g.timeNow().UTC(),
		Queue:       g.queue.Stats(),
		Backends:    executor.ProbeAll(g.backends),
		Concurrency: Concurrency{Configured: g.configuredParallel, Effective: 1},
		TierCeiling: models.TierL4.String(),
	}
	if g.sampler != nil {
		d.Memory = g.sampler.Sample()
	}
	if resource.Critical(d.Memory) {
		d.TierCeiling = models.TierL1.String()
	}
	if g.upstream != nil {
		d.Breakers = g.upstream.Status()
	}
	if g.blacklist != nil {
		d.BlacklistRules = g.blacklist.Len()
	}
	if g.metrics != nil {
		d.Denials = g.metrics.Snapshot().Reasons
	}
	d.Warnings = g.warnings(d)
	return d
}

func (g *Gatekeeper) warnings(d Diagnostics) []string {
	var out []string
	if resource.Critical(d.Memory) {
		out = append(out, fmt.Sprintf("available memory %dMB below critical threshold, tier clamped to L1", d.Memory.AvailableMemoryMB))
	} else if resource.Low(d.Memory) {
		out = append(out, fmt.Sprintf("available memory %dMB low, heavy tasks rejected", d.Memory.AvailableMemoryMB))
	}
	if g.upstream != nil && len(g.upstream.Endpoints) < 2 {
		out = append(out, "no backup gateway endpoint configured")
	}
	for _, ep := range d.Breakers {
		if ep.State != "closed" {
			out = append(out, fmt.Sprintf("gateway endpoint %s breaker %s", ep.URL, ep.State))
		}
	}
	if g.geteuid() == 0 {
		out = append(out, "gateway process runs as root")
	}
	if g.configuredParallel > 1 {
		out = append(out, fmt.Sprintf("configured parallelism %d clamped to 1", g.configuredParallel))
	}
	available := 0
	for _, b := range d.Backends {
		if b.Available {
			available++
		}
	}
	if available == 0 {
		out = append(out, "no executor backend available")
	}
	return out
}
