// Package identity maps caller ids to permission tiers.
package identity

import (
	"strings"
	"sync"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Resolver decides which tier a caller holds. Unknown callers resolve
// to ok=false; whether they get the default tier or a silent denial is
// the gate's call, not ours.
type Resolver struct {
	mu           sync.RWMutex
	admins       map[string]struct{}
	overrides    map[string]models.PermissionTier
	channels     map[string]struct{}
	defaultTier  models.PermissionTier
	allowUnknown bool
}

type Config struct {
	// Admins hold L4 unconditionally.
	Admins []string
	// Overrides pin specific callers to a tier, e.g. "u123" -> L2.
	Overrides map[string]models.PermissionTier
	// Channels is the channel allow-list. Empty means every channel is
	// allowed; otherwise requests from unlisted channels are denied
	// before the caller is even looked up.
	Channels []string
	// DefaultTier applies to unknown callers when AllowUnknown is set.
	DefaultTier models.PermissionTier
	// AllowUnknown admits callers with no explicit grant at DefaultTier.
	AllowUnknown bool
}

func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		admins:       map[string]struct{}{},
		overrides:    map[string]models.PermissionTier{},
		channels:     map[string]struct{}{},
		defaultTier:  cfg.DefaultTier,
		allowUnknown: cfg.AllowUnknown,
	}
	for _, id := range cfg.Admins {
		id = strings.TrimSpace(id)
		if id != "" {
			r.admins[id] = struct{}{}
		}
	}
	for _, ch := range cfg.Channels {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			r.channels[ch] = struct{}{}
		}
	}
	for id, tier := range cfg.Overrides {
		id = strings.TrimSpace(id)
		if id != "" {
			r.overrides[id] = tier
		}
	}
	return r
}

// Resolve returns the caller's granted tier. ok=false means the caller
// has no grant at all and must be denied without explanation.
func (r *Resolver) Resolve(callerID string) (models.PermissionTier, bool) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return models.TierL0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.admins[callerID]; ok {
		return models.TierL4, true
	}
	if tier, ok := r.overrides[callerID]; ok {
		return tier, true
	}
	if r.allowUnknown {
		return r.defaultTier, true
	}
	return models.TierL0, false
}

// ChannelAllowed reports whether a request from the given channel may
// proceed. Requests without a channel id bypass the allow-list; they
// come from surfaces that have no channel concept.
func (r *Resolver) ChannelAllowed(channelID string) bool {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.channels) == 0 {
		return true
	}
	_, ok := r.channels[channelID]
	return ok
}

// Grant sets or replaces a caller's tier at runtime.
func (r *Resolver) Grant(callerID string, tier models.PermissionTier) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return
	}
	r.mu.Lock()
	r.overrides[callerID] = tier
	r.mu.Unlock()
}

// Revoke removes a caller's explicit grant.
func (r *Resolver) Revoke(callerID string) {
	r.mu.Lock()
	delete(r.overrides, strings.TrimSpace(callerID))
	r.mu.Unlock()
}

// ParseOverrides parses "id=L2,other=L1" into an override map. Entries
// with an unknown tier fall back to L0 rather than being dropped.
func ParseOverrides(raw string) map[string]models.PermissionTier {
	out := map[string]models.PermissionTier{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id := strings.TrimSpace(parts[0])
		if id == "" {
			continue
		}
		out[id] = models.ParseTier(parts[1], models.TierL0)
	}
	return out
}

// SplitList parses a comma-separated id list.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
