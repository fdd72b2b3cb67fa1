// Package confirm issues and redeems single-use confirmation tokens.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/store"
)

const (
	// MinTTL is the floor for token lifetime regardless of config.
	MinTTL = 30 * time.Second
	// DefaultTTL matches the usual operator attention span.
	DefaultTTL = 5 * time.Minute

	tokenPrefix    = "confirm:token:"
	consumedPrefix = "confirm:used:"
	consumedTTL    = 10 * time.Minute
)

// Pending is the action held behind a token, exactly as submitted.
type Pending struct {
	Action        models.ActionRequest  `json:"action"`
	Fingerprint   string                `json:"fingerprint"`
	EffectiveTier models.PermissionTier `json:"effective_tier"`
	IssuedAt      time.Time             `json:"issued_at"`
	ExpiresAt     time.Time             `json:"expires_at"`
}

// Registry stores pending confirmations in a CAS-capable cache so a
// token redeems exactly once even across replicas.
type Registry struct {
	cache   store.Cache
	ttl     time.Duration
	metrics *metrics.Registry

	timeNow func() time.Time
}

func NewRegistry(cache store.Cache, ttl time.Duration, reg *metrics.Registry) *Registry {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &Registry{cache: cache, ttl: ttl, metrics: reg, timeNow: time.Now}
}

// Issue mints a token for an action the gate marked CONFIRM. The token
// is short so a human can relay it over chat.
func (r *Registry) Issue(ctx context.Context, req models.ActionRequest, v models.Verdict) (string, Pending, error) {
	now := r.timeNow()
	pending := Pending{
		Action:        req,
		Fingerprint:   v.Fingerprint,
		EffectiveTier: v.EffectiveTier,
		IssuedAt:      now,
		ExpiresAt:     now.Add(r.ttl),
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return "", Pending{}, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		token := newToken()
		ok, err := r.cache.SetNX(ctx, tokenPrefix+token, string(payload), r.ttl)
		if err != nil {
			return "", Pending{}, fmt.Errorf("store confirmation: %w", err)
		}
		if ok {
			if r.metrics != nil {
				r.metrics.IncConfirmEvent("issued")
			}
			return token, pending, nil
		}
	}
	return "", Pending{}, errors.New("token collision, try again")
}

// Redeem consumes a token. On failure the returned reason is one of the
// stable codes; the zero Pending means nothing may execute.
func (r *Registry) Redeem(ctx context.Context, token, callerID, fingerprint string) (Pending, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Pending{}, models.ReasonUnknownToken, nil
	}
	raw, err := r.cache.GetDel(ctx, tokenPrefix+token)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.missReason(ctx, token)
		}
		return Pending{}, models.ReasonInternalFault, fmt.Errorf("load confirmation: %w", err)
	}

	var pending Pending
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return Pending{}, models.ReasonInternalFault, fmt.Errorf("decode confirmation: %w", err)
	}
	if r.timeNow().After(pending.ExpiresAt) {
		if r.metrics != nil {
			r.metrics.IncConfirmEvent("expired")
		}
		return Pending{}, models.ReasonExpired, nil
	}
	// Only the caller the token was minted for may redeem it. A wrong
	// caller learns nothing beyond "no such token".
	if callerID != pending.Action.CallerID {
		if r.metrics != nil {
			r.metrics.IncConfirmEvent("mismatch")
		}
		return Pending{}, models.ReasonUnknownToken, nil
	}
	if fingerprint != "" && fingerprint != pending.Fingerprint {
		if r.metrics != nil {
			r.metrics.IncConfirmEvent("mismatch")
		}
		return Pending{}, models.ReasonFingerprintMismatch, nil
	}

	_ = r.cache.Set(ctx, consumedPrefix+token, "1", consumedTTL)
	if r.metrics != nil {
		r.metrics.IncConfirmEvent("consumed")
	}
	return pending, "", nil
}

// missReason distinguishes an already-redeemed token from a never-issued
// or expired one via the consumed tombstone.
func (r *Registry) missReason(ctx context.Context, token string) (Pending, string, error) {
	if _, err := r.cache.Get(ctx, consumedPrefix+token); err == nil {
		if r.metrics != nil {
			r.metrics.IncConfirmEvent("replay")
		}
		return Pending{}, models.ReasonAlreadyConsumed, nil
	}
	return Pending{}, models.ReasonUnknownToken, nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
