package profile

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/role"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/profile")

// profileFile is the top-level YAML structure for a profile registry file.
type profileFile struct {
	Profiles []profileConfig `yaml:"profiles"`
}

// profileConfig is a single role's profile as written in YAML.
type profileConfig struct {
	Role           string            `yaml:"role"`
	Identity       string            `yaml:"identity"`
	PromptTemplate string            `yaml:"prompt_template"`
	AllowedTopics  []string          `yaml:"allowed_topics"`
	BannedTopics   []string          `yaml:"banned_topics"`
	Knowledge      map[string]string `yaml:"knowledge"`
}

// LoadProfiles reads and validates a profile registry YAML file. Every
// profile must satisfy the package invariants; any violation fails the whole
// load. Duplicate role entries are a load error.
func LoadProfiles(ctx context.Context, path string) (map[role.Role]*BotProfile, error) {
	_, span := tracer.Start(ctx, "profile.load")
	defer span.End()
	span.SetAttributes(attribute.String("profile.path", path))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrProfileLoad, path, err)
	}

	profiles, err := ParseProfiles(content)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("profile.count", len(profiles)))
	return profiles, nil
}

// ParseProfiles parses and validates profile YAML bytes.
func ParseProfiles(content []byte) (map[role.Role]*BotProfile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(content, &pf); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrProfileLoad, err)
	}
	if len(pf.Profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles defined", ErrProfileLoad)
	}

	out := make(map[role.Role]*BotProfile, len(pf.Profiles))
	for _, pc := range pf.Profiles {
		r, err := role.Parse(pc.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProfileLoad, err)
		}
		if _, dup := out[r]; dup {
			return nil, fmt.Errorf("%w: duplicate profile for role %s", ErrProfileLoad, r)
		}
		p, err := New(r, pc.Identity, pc.PromptTemplate, pc.AllowedTopics, pc.BannedTopics, pc.Knowledge)
		if err != nil {
			return nil, err
		}
		out[r] = p
	}
	return out, nil
}
