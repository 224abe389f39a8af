package guard

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leadgov-io/warden/internal/role"
)

// keywordFile is the top-level YAML structure for the keyword→topic mapping.
type keywordFile struct {
	Topics map[string][]string `yaml:"topics"`
}

// keywordEntry is one compiled keyword with the topic it signals.
type keywordEntry struct {
	keyword string
	topic   string
}

// KeywordMap maps message text to candidate topics. Keywords and topics are
// normalized at load time with the same cleaning discipline used for role
// classification (trim, lowercase, collapse whitespace); matching at runtime
// is substring containment over the cleaned message.
type KeywordMap struct {
	entries []keywordEntry
}

// ParseKeywords parses keyword mapping YAML bytes. A topic with no usable
// keywords is a load error: silently unmatchable topics would weaken the
// guard without anyone noticing.
func ParseKeywords(content []byte) (*KeywordMap, error) {
	var kf keywordFile
	if err := yaml.Unmarshal(content, &kf); err != nil {
		return nil, fmt.Errorf("parsing keyword YAML: %w", err)
	}
	if len(kf.Topics) == 0 {
		return nil, fmt.Errorf("keyword mapping defines no topics")
	}

	km := &KeywordMap{}
	for topic, keywords := range kf.Topics {
		cleanedTopic := role.CleanToken(topic)
		if cleanedTopic == "" {
			return nil, fmt.Errorf("keyword mapping has an empty topic name")
		}
		count := 0
		for _, kw := range keywords {
			cleaned := role.CleanToken(kw)
			if cleaned == "" {
				continue
			}
			km.entries = append(km.entries, keywordEntry{keyword: cleaned, topic: cleanedTopic})
			count++
		}
		if count == 0 {
			return nil, fmt.Errorf("topic %q has no usable keywords", topic)
		}
	}

	// Deterministic match order regardless of YAML map iteration.
	sort.Slice(km.entries, func(i, j int) bool {
		if km.entries[i].keyword != km.entries[j].keyword {
			return km.entries[i].keyword < km.entries[j].keyword
		}
		return km.entries[i].topic < km.entries[j].topic
	})

	return km, nil
}

// LoadKeywords reads and parses a keyword mapping YAML file.
func LoadKeywords(path string) (*KeywordMap, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyword file %s: %w", path, err)
	}
	return ParseKeywords(content)
}

// ExtractTopics returns the candidate topics signalled by message, sorted
// and deduplicated. An empty or whitespace-only message yields no topics.
func (km *KeywordMap) ExtractTopics(message string) []string {
	cleaned := role.CleanToken(message)
	if cleaned == "" {
		return nil
	}

	seen := make(map[string]bool)
	var topics []string
	for _, e := range km.entries {
		if seen[e.topic] {
			continue
		}
		if strings.Contains(cleaned, e.keyword) {
			seen[e.topic] = true
			topics = append(topics, e.topic)
		}
	}
	sort.Strings(topics)
	return topics
}
