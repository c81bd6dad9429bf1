// Package matcher scores analyzed content against user preference profiles
// and picks the users it should be distributed to. It does no I/O.
package matcher

import (
	"sort"
	"strings"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
)

// Priority orders admitted targets. It does not affect admission.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

const (
	highScore   = 0.8
	mediumScore = 0.6
	// Scores are sums of float products; compare with a little slack.
	epsilon = 1e-9
)

// Features are the analyzed properties of one piece of content.
type Features struct {
	Topics          []string `json:"topics"`
	Keywords        []string `json:"keywords"`
	ImportanceScore float64  `json:"importanceScore"`
	ContentType     string   `json:"contentType"`
}

// Profile is what a user asked to receive.
type Profile struct {
	UserID             string   `json:"userId"`
	EnabledTopics      []string `json:"enabledTopics"`
	EnabledKeywords    []string `json:"enabledKeywords"`
	MinImportanceScore float64  `json:"minImportanceScore"`
	ContentTypes       []string `json:"contentTypes"`
	// Zero or negative means unlimited.
	MaxDailyContent int `json:"maxDailyContent"`
}

// ProfileFromPreference converts a stored preference row.
func ProfileFromPreference(p model.UserPreference) Profile {
	return Profile{
		UserID:             p.UserID,
		EnabledTopics:      p.EnabledTopics,
		EnabledKeywords:    p.EnabledKeywords,
		MinImportanceScore: p.MinImportanceScore,
		ContentTypes:       p.ContentTypes,
		MaxDailyContent:    p.MaxDailyContent,
	}
}

// Candidate is a profile plus the per-entry facts admission depends on.
type Candidate struct {
	Profile        Profile
	HasEntry       bool
	DeliveredToday int64
}

// Target is an admitted user.
type Target struct {
	UserID   string   `json:"userId"`
	Score    float64  `json:"score"`
	Priority Priority `json:"priority"`
}

// Matcher holds the feature weights and admission threshold.
type Matcher struct {
	weights   config.MatcherWeights
	threshold float64
}

func New(weights config.MatcherWeights, threshold float64) *Matcher {
	return &Matcher{weights: weights, threshold: threshold}
}

// FromConfig builds a Matcher from cfg, falling back to the defaults.
func FromConfig(cfg *config.Config) *Matcher {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	return New(cfg.Weights, cfg.MatchThreshold)
}

func (m *Matcher) Threshold() float64 { return m.threshold }

// Score computes the weighted match score of f for p, in [0, 1] when the
// weights sum to one.
func (m *Matcher) Score(f Features, p Profile) float64 {
	score := m.weights.Topic*overlap(f.Topics, p.EnabledTopics) +
		m.weights.Keyword*overlap(f.Keywords, p.EnabledKeywords)
	if f.ImportanceScore >= p.MinImportanceScore {
		score += m.weights.Importance
	}
	if containsFold(p.ContentTypes, f.ContentType) {
		score += m.weights.ContentType
	}
	return score
}

// PriorityFor buckets a score.
func PriorityFor(score float64) Priority {
	switch {
	case score+epsilon >= highScore:
		return PriorityHigh
	case score+epsilon >= mediumScore:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Admit reports whether c should receive content scored at score.
func (m *Matcher) Admit(score float64, c Candidate) bool {
	if score+epsilon < m.threshold || c.HasEntry {
		return false
	}
	max := c.Profile.MaxDailyContent
	return max <= 0 || c.DeliveredToday < int64(max)
}

// Select scores every candidate and returns the admitted ones, high priority
// first and by descending score within a bucket. Equal entries keep their
// input order, so the same input always yields the same output.
func (m *Matcher) Select(f Features, candidates []Candidate) []Target {
	targets := make([]Target, 0, len(candidates))
	for _, c := range candidates {
		score := m.Score(f, c.Profile)
		if !m.Admit(score, c) {
			continue
		}
		targets = append(targets, Target{UserID: c.Profile.UserID, Score: score, Priority: PriorityFor(score)})
	}
	sort.SliceStable(targets, func(i, j int) bool {
		ri, rj := rank(targets[i].Priority), rank(targets[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return targets[i].Score > targets[j].Score+epsilon
	})
	return targets
}

func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// overlap is |content ∩ user| / |user| over normalized, distinct terms.
func overlap(content, user []string) float64 {
	wanted := termSet(user)
	if len(wanted) == 0 {
		return 0
	}
	have := termSet(content)
	hits := 0
	for t := range wanted {
		if _, ok := have[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(wanted))
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		if t = normalizeTerm(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func containsFold(terms []string, want string) bool {
	want = normalizeTerm(want)
	if want == "" {
		return false
	}
	for _, t := range terms {
		if normalizeTerm(t) == want {
			return true
		}
	}
	return false
}

func normalizeTerm(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
