// Package guard implements the pre-response Policy Guard: every inbound
// message is inspected against the session's bound profile BEFORE any
// language-model call. Banned content is rejected before generation, never
// filtered from a generated response after the fact.
//
// The Guard is pure and stateless per call. It holds only immutable compiled
// state (the keyword map and a prepared policy query), so a single instance
// is shared across all concurrent sessions without locking.
//
// Availability is deliberately sacrificed for confidentiality: a Guard
// constructed without a valid keyword mapping fails closed and refuses every
// message until the mapping is restored.
package guard

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/guard")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	topicAccessFile  = "rego/topic_access.rego"
	topicAccessQuery = "data.warden.guard.topic_access.deny"
)

// Refusal codes recorded in the audit trail.
const (
	RefusalBannedTopic   = "banned_topic"
	RefusalConfigMissing = "guard_config_missing"
)

// Decision is the result of guarding a single message.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	Topic       string   `json:"topic,omitempty"`        // first banned topic detected
	RefusalCode string   `json:"refusal_code,omitempty"` // set when !Allowed
	Reasons     []string `json:"reasons,omitempty"`      // all banned topics detected
}

// Guard evaluates messages against a profile's banned-topic set.
type Guard struct {
	keywords *KeywordMap
	prepared rego.PreparedEvalQuery

	// failClosed is set when the guard was constructed without a usable
	// keyword mapping. Every check refuses until a valid guard replaces it.
	failClosed bool
}

// New creates a guard from the given keyword map, precompiling the embedded
// topic-access policy.
func New(ctx context.Context, keywords *KeywordMap) (*Guard, error) {
	ctx, span := tracer.Start(ctx, "guard.new")
	defer span.End()

	if keywords == nil {
		return nil, fmt.Errorf("keyword map is required; use NewFailClosed for degraded mode")
	}

	content, err := embeddedPolicies.ReadFile(topicAccessFile)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading embedded policy %s: %w", topicAccessFile, err)
	}

	prepared, err := rego.New(
		rego.Query(topicAccessQuery),
		rego.Module(topicAccessFile, string(content)),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing topic access policy: %w", err)
	}

	return &Guard{keywords: keywords, prepared: prepared}, nil
}

// NewFailClosed creates a guard that refuses every message. Used when the
// keyword mapping is missing or failed to load: the process keeps serving,
// but nothing reaches generation until configuration is restored.
func NewFailClosed() *Guard {
	return &Guard{failClosed: true}
}

// FailClosed reports whether the guard is in degraded refuse-everything mode.
func (g *Guard) FailClosed() bool {
	return g.failClosed
}

// Check evaluates a message against the profile's banned-topic set.
//
// An empty or whitespace-only message carries no topic signal and is
// allowed. Any banned-topic match refuses, regardless of co-occurring
// allowed topics.
func (g *Guard) Check(ctx context.Context, p *profile.BotProfile, message string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "guard.check",
		trace.WithAttributes(attribute.String("role", string(p.Role))))
	defer span.End()

	if g.failClosed {
		span.SetAttributes(attribute.Bool("guard.fail_closed", true))
		return Decision{
			Allowed:     false,
			RefusalCode: RefusalConfigMissing,
		}, nil
	}

	cleaned := role.CleanToken(message)
	if cleaned == "" {
		return Decision{Allowed: true}, nil
	}

	candidates := g.keywords.ExtractTopics(message)
	if len(candidates) == 0 {
		return Decision{Allowed: true}, nil
	}

	input := map[string]interface{}{
		"candidate_topics": toInterfaceSlice(candidates),
		"banned_topics":    toInterfaceSlice(p.BannedTopics()),
	}
	results, err := g.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, fmt.Errorf("evaluating topic access: %w", err)
	}

	banned := denyTopics(results)
	sort.Strings(banned)
	if len(banned) == 0 {
		span.SetAttributes(attribute.Bool("guard.allowed", true))
		return Decision{Allowed: true}, nil
	}

	span.SetAttributes(
		attribute.Bool("guard.allowed", false),
		attribute.String("guard.topic", banned[0]),
	)
	return Decision{
		Allowed:     false,
		Topic:       banned[0],
		RefusalCode: RefusalBannedTopic,
		Reasons:     banned,
	}, nil
}

// RefusalMessage returns the fixed user-facing refusal for a decision. It
// names only the detected topic category and never explains what other
// roles' lines could answer.
func RefusalMessage(d Decision) string {
	switch d.RefusalCode {
	case RefusalConfigMissing:
		return "This line is temporarily unable to answer questions. Please try again later."
	case RefusalBannedTopic:
		return fmt.Sprintf("I am not able to help with %s-related questions on this line.", d.Topic)
	default:
		return "I am not able to help with that question on this line."
	}
}

// denyTopics extracts the deny set (a set of topic strings) from OPA results.
// OPA returns the set as []interface{} or, occasionally, map[string]interface{}.
func denyTopics(results rego.ResultSet) []string {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	var topics []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	case map[string]interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	}
	return topics
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
