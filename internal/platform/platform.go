// Package platform models the social networks jobs are delivered to. A
// platform is either automated (the server posts on the owner's behalf) or
// manual-assist (the owner is asked to post it themselves).
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/autopost/pkg/models"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// OutcomeKind classifies the response to a post attempt.
type OutcomeKind int

const (
	OutcomeSent OutcomeKind = iota
	OutcomeRetryable
	OutcomeAuthError
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// PostOutcome is the normalized result of one post call.
type PostOutcome struct {
	Kind       OutcomeKind
	ExternalID string
	StatusCode int
	Detail     string
	Duplicate  bool
}

// Platform is the identity every registered platform exposes.
type Platform interface {
	Name() models.Platform
	// MaxTextRunes is enforced when jobs are created, never at dispatch.
	MaxTextRunes() int
}

// AutomatedPlatform posts text with an owner's access token. A non-nil error
// means the call could not be completed at all (network failure, open
// breaker); HTTP level failures are reported through the outcome.
type AutomatedPlatform interface {
	Platform
	Post(ctx context.Context, accessToken, text string) (PostOutcome, error)
}

// ManualAssistPlatform cannot be posted to programmatically.
type ManualAssistPlatform interface {
	Platform
	AssistMessage() string
}

// Registry maps platform tags to implementations.
type Registry struct {
	mu        sync.RWMutex
	platforms map[models.Platform]Platform
}

func NewRegistry(platforms ...Platform) *Registry {
	r := &Registry{platforms: make(map[models.Platform]Platform)}
	for _, p := range platforms {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Name()] = p
}

func (r *Registry) Lookup(name models.Platform) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	return p, nil
}

// Names returns every registered tag in sorted order.
func (r *Registry) Names() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.platforms))
	for name := range r.platforms {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
