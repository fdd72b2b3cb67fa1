// Package policy evaluates action requests against tier grants,
// resource pressure, and blacklist rules.
package policy

import (
	"os"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/blacklist"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/identity"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/resource"
)

// Gate runs every submitted action through a fixed pipeline: channel
// and caller authorization, resource admission, tier check, blacklist screening,
// the root file-op rule, and finally the confirmation requirement.
// Stage order is load-bearing: an unauthorized caller must never learn
// whether their target was blacklisted.
type Gate struct {
	Identity  *identity.Resolver
	Sampler   resource.Sampler
	Blacklist *blacklist.List
	Metrics   *metrics.Registry

	// SilentUnauthorized suppresses the denial body for unauthorized
	// callers and disallowed channels. Operators may clear it to make
	// those denials visible.
	SilentUnauthorized bool

	// runningAsRoot is read once per evaluation, injectable for tests.
	runningAsRoot func() bool
}

func NewGate(id *identity.Resolver, sampler resource.Sampler, bl *blacklist.List, reg *metrics.Registry) *Gate {
	return &Gate{
		Identity:           id,
		Sampler:            sampler,
		Blacklist:          bl,
		Metrics:            reg,
		SilentUnauthorized: true,
		runningAsRoot:      func() bool { return os.Geteuid() == 0 },
	}
}

// Evaluate produces the verdict for one request. It never blocks and
// never mutates the request.
func (g *Gate) Evaluate(req models.ActionRequest) models.Verdict {
	v := g.evaluate(req)
	if g.Metrics != nil {
		g.Metrics.IncDecision(v.Decision, v.Reason)
	}
	return v
}

func (g *Gate) evaluate(req models.ActionRequest) models.Verdict {
	if !req.Kind.Valid() {
		return deny(models.ReasonInsufficientTier, req, models.TierL0)
	}

	if !g.Identity.ChannelAllowed(req.ChannelID) {
		v := deny(models.ReasonUnauthorized, req, models.TierL0)
		v.Silent = g.SilentUnauthorized
		return v
	}

	granted, known := g.Identity.Resolve(req.CallerID)
	if !known {
		v := deny(models.ReasonUnauthorized, req, models.TierL0)
		v.Silent = g.SilentUnauthorized
		return v
	}

	effective := granted
	if req.RequestedTier < effective {
		effective = req.RequestedTier
	}

	state := models.ResourceState{AvailableMemoryMB: -1}
	if g.Sampler != nil {
		state = g.Sampler.Sample()
	}
	if resource.Critical(state) && effective > models.TierL1 {
		effective = models.TierL1
	}
	if req.Heavy && resource.Low(state) {
		return deny(models.ReasonHeavyRejected, req, effective)
	}

	if req.ArgBool("as_root") && effective < models.TierL4 {
		return deny(models.ReasonInsufficientTier, req, effective)
	}
	if effective < req.Kind.MinTier() {
		return deny(models.ReasonInsufficientTier, req, effective)
	}

	if g.Blacklist != nil {
		if _, hit := g.Blacklist.Check(req.Kind, req.Target, req.Plugin); hit {
			return deny(models.ReasonBlacklisted, req, effective)
		}
	}

	// A gateway process running as root never performs L3 file ops on
	// behalf of callers; only an explicit L4 grant may.
	if req.Kind == models.ActionHostFileOp && g.runningAsRoot() && effective < models.TierL4 {
		return deny(models.ReasonRootL3FileOp, req, effective)
	}

	if g.requiresConfirmation(req, effective) {
		return models.Verdict{
			Decision:      models.DecisionConfirm,
			Reason:        models.ReasonConfirmRequired,
			Fingerprint:   models.Fingerprint(req),
			EffectiveTier: effective,
		}
	}

	return models.Verdict{
		Decision:      models.DecisionAllow,
		Fingerprint:   models.Fingerprint(req),
		EffectiveTier: effective,
	}
}

// requiresConfirmation flags actions whose blast radius warrants a
// second, explicit approval. L4 callers may pre-approve with
// allow_danger; everyone else confirms.
func (g *Gate) requiresConfirmation(req models.ActionRequest, effective models.PermissionTier) bool {
	high := req.Kind == models.ActionHostExec ||
		req.Kind == models.ActionHostFileOp ||
		req.ArgBool("as_root")
	if !high {
		return false
	}
	if req.ArgBool("allow_danger") && effective >= models.TierL4 {
		return false
	}
	return true
}

func deny(reason string, req models.ActionRequest, effective models.PermissionTier) models.Verdict {
	return models.Verdict{
		Decision:      models.DecisionDeny,
		Reason:        reason,
		Fingerprint:   models.Fingerprint(req),
		EffectiveTier: effective,
	}
}
