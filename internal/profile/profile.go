// Package profile defines the Bot Profile Registry: the immutable bundle of
// prompt template, allowed/banned topic sets, and knowledge vault bound to
// each role.
//
// Profiles are validated at load time against two invariants:
//
//  1. allowed_topics ∩ banned_topics = ∅
//  2. every knowledge vault key ∈ allowed_topics
//
// A violation is a fatal load error, not a runtime-filtered warning: a
// profile must never hold data it is not permitted to discuss, and bad
// configuration must never silently start serving.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/leadgov-io/warden/internal/role"
)

// Domain errors for the profile package.
var (
	// ErrProfileNotFound means a role has no registered profile. This is a
	// fatal configuration error at bind time, distinct from an unresolved
	// phone (which resolves to UNKNOWN and binds normally).
	ErrProfileNotFound = errors.New("no profile registered for role")

	// ErrProfileLoad means the profile configuration failed validation.
	ErrProfileLoad = errors.New("profile configuration invalid")
)

// BotProfile is the role-scoped knowledge bundle attached to a session at
// bind time. Once bound, a profile is immutable for the session's lifetime;
// registry reloads swap in new instances for future binds only.
type BotProfile struct {
	Role           role.Role
	Identity       string
	PromptTemplate string

	allowed map[string]bool
	banned  map[string]bool
	vault   map[string]string
}

// New constructs a validated BotProfile. Topic names are normalized with the
// same cleaning discipline used for role classification.
func New(r role.Role, identity, promptTemplate string, allowed, banned []string, vault map[string]string) (*BotProfile, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrProfileLoad, r)
	}

	p := &BotProfile{
		Role:           r,
		Identity:       strings.TrimSpace(identity),
		PromptTemplate: promptTemplate,
		allowed:        make(map[string]bool, len(allowed)),
		banned:         make(map[string]bool, len(banned)),
		vault:          make(map[string]string, len(vault)),
	}

	for _, t := range allowed {
		if cleaned := role.CleanToken(t); cleaned != "" {
			p.allowed[cleaned] = true
		}
	}
	for _, t := range banned {
		cleaned := role.CleanToken(t)
		if cleaned == "" {
			continue
		}
		if p.allowed[cleaned] {
			return nil, fmt.Errorf("%w: role %s lists topic %q as both allowed and banned", ErrProfileLoad, r, cleaned)
		}
		p.banned[cleaned] = true
	}
	for topic, fact := range vault {
		cleaned := role.CleanToken(topic)
		if cleaned == "" {
			return nil, fmt.Errorf("%w: role %s has a vault entry with an empty topic", ErrProfileLoad, r)
		}
		if !p.allowed[cleaned] {
			return nil, fmt.Errorf("%w: role %s vault holds topic %q outside its allowed set", ErrProfileLoad, r, cleaned)
		}
		p.vault[cleaned] = fact
	}

	return p, nil
}

// IsBanned reports whether topic (already cleaned) is in the banned set.
func (p *BotProfile) IsBanned(topic string) bool {
	return p.banned[topic]
}

// IsAllowed reports whether topic (already cleaned) is in the allowed set.
func (p *BotProfile) IsAllowed(topic string) bool {
	return p.allowed[topic]
}

// AllowedTopics returns the allowed topic names, sorted.
func (p *BotProfile) AllowedTopics() []string {
	return sortedKeys(p.allowed)
}

// BannedTopics returns the banned topic names, sorted.
func (p *BotProfile) BannedTopics() []string {
	return sortedKeys(p.banned)
}

// Fact returns the vault fact for topic, if present.
func (p *BotProfile) Fact(topic string) (string, bool) {
	f, ok := p.vault[topic]
	return f, ok
}

// VaultTopics returns the vault's topic names, sorted.
func (p *BotProfile) VaultTopics() []string {
	return sortedKeys2(p.vault)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys2(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
