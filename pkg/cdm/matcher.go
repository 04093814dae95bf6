package cdm

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// DefaultThreshold is the minimum confidence for a fuzzy match.
const DefaultThreshold = 0.7

const (
	exactNameScore   = 1.0
	synonymNameScore = 0.9
	nameWeight       = 0.6
	attributeWeight  = 0.4

	// minNameSimilarity gates fuzzy candidates so that generic columns such
	// as "name" cannot carry an unrelated table over the threshold.
	minNameSimilarity = 0.75
)

// Detector finds standard-table matches for a set of entities.
type Detector interface {
	Detect(entities []models.Entity) (*models.CDMDetection, error)
}

// EntityChoice is the user's decision on reusing matched standard tables.
type EntityChoice string

const (
	ChoiceCustom EntityChoice = "custom"
	ChoiceCDM    EntityChoice = "cdm"
)

// fallbackNames are matched exactly when no registry is available.
var fallbackNames = map[string]string{
	"account":       "account",
	"contact":       "contact",
	"lead":          "lead",
	"opportunity":   "opportunity",
	"case":          "incident",
	"incident":      "incident",
	"product":       "product",
	"pricelist":     "pricelevel",
	"quote":         "quote",
	"salesorder":    "salesorder",
	"invoice":       "invoice",
	"competitor":    "competitor",
	"campaign":      "campaign",
	"marketinglist": "list",
	"task":          "task",
	"appointment":   "appointment",
	"email":         "email",
	"phonecall":     "phonecall",
	"note":          "annotation",
	"user":          "systemuser",
	"team":          "team",
	"businessunit":  "businessunit",
	"currency":      "transactioncurrency",
}

// ============================================================================
// Registry matcher
// ============================================================================

// RegistryMatcher scores entities against the registry by name similarity and
// attribute overlap.
type RegistryMatcher struct {
	registry  *Registry
	threshold float64
}

var _ Detector = (*RegistryMatcher)(nil)

// NewRegistryMatcher creates a matcher. A non-positive threshold uses the default.
func NewRegistryMatcher(registry *Registry, threshold float64) *RegistryMatcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &RegistryMatcher{registry: registry, threshold: threshold}
}

// Detect returns the best registry match per entity. An exact name match is
// always reported; synonym and fuzzy matches must reach the threshold.
func (m *RegistryMatcher) Detect(entities []models.Entity) (*models.CDMDetection, error) {
	if m.registry == nil || len(m.registry.Entities) == 0 {
		return nil, fmt.Errorf("CDM registry not loaded")
	}

	detection := &models.CDMDetection{Source: "registry", Matches: []models.CDMMatch{}}
	for _, entity := range entities {
		best, ok := m.bestMatch(entity)
		if ok {
			detection.Matches = append(detection.Matches, best)
		}
	}
	detection.Recommendations = recommendations(detection.Matches, len(entities))
	return detection, nil
}

func (m *RegistryMatcher) bestMatch(entity models.Entity) (models.CDMMatch, bool) {
	var best models.CDMMatch
	found := false

	name := erd.NormalizeKey(entity.Name)
	for _, candidate := range m.registry.Entities {
		nameScore, matchType := scoreName(name, candidate)
		if nameScore < minNameSimilarity {
			continue
		}
		matched, overlap := attributeOverlap(entity, candidate)

		var confidence float64
		if matchType == models.CDMMatchExact {
			confidence = 0.8 + 0.2*overlap
		} else {
			confidence = nameWeight*nameScore + attributeWeight*overlap
			if confidence < m.threshold {
				continue
			}
		}
		if found && !outranks(matchType, confidence, best) {
			continue
		}
		best = models.CDMMatch{
			Entity:            entity.Name,
			CDMEntity:         candidate.Name,
			LogicalName:       candidate.LogicalName,
			Confidence:        round2(confidence),
			MatchType:         matchType,
			MatchedAttributes: matched,
		}
		found = true
	}
	return best, found
}

// outranks prefers exact name matches, then higher confidence.
func outranks(matchType models.CDMMatchType, confidence float64, best models.CDMMatch) bool {
	if matchType != best.MatchType {
		return matchType == models.CDMMatchExact
	}
	return confidence > best.Confidence
}

func scoreName(name string, candidate RegistryEntity) (float64, models.CDMMatchType) {
	if name == erd.NormalizeKey(candidate.Name) || name == erd.NormalizeKey(candidate.LogicalName) {
		return exactNameScore, models.CDMMatchExact
	}
	for _, syn := range candidate.Synonyms {
		if name == erd.NormalizeKey(syn) {
			return synonymNameScore, models.CDMMatchFuzzy
		}
	}
	return similarity(name, erd.NormalizeKey(candidate.Name)), models.CDMMatchFuzzy
}

// attributeOverlap is the share of the entity's own columns (keys excluded)
// that correspond to a canonical column.
func attributeOverlap(entity models.Entity, candidate RegistryEntity) ([]string, float64) {
	var considered int
	var matched []string
	for _, a := range entity.Attributes {
		if a.IsPrimaryKey || a.IsForeignKey {
			continue
		}
		considered++
		attr := erd.NormalizeKey(a.Name)
		for _, canonical := range candidate.Attributes {
			if attributesCorrespond(attr, erd.NormalizeKey(canonical)) {
				matched = append(matched, a.Name)
				break
			}
		}
	}
	if considered == 0 {
		return nil, 0
	}
	return matched, float64(len(matched)) / float64(considered)
}

func attributesCorrespond(attr, canonical string) bool {
	if attr == canonical {
		return true
	}
	shorter, longer := attr, canonical
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	return len(shorter) >= 4 && strings.Contains(longer, shorter)
}

// similarity is 1 - levenshtein/maxLen.
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(levenshteinDistance(a, b))/float64(maxLen)
}

// levenshteinDistance calculates the edit distance between two strings.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// ============================================================================
// Fallback matcher
// ============================================================================

// FallbackMatcher matches entity names exactly against a fixed list.
type FallbackMatcher struct{}

var _ Detector = FallbackMatcher{}

// Detect never fails.
func (FallbackMatcher) Detect(entities []models.Entity) (*models.CDMDetection, error) {
	detection := &models.CDMDetection{Source: "fallback", Matches: []models.CDMMatch{}}
	for _, entity := range entities {
		logical, ok := fallbackNames[strings.ToLower(entity.Name)]
		if !ok {
			continue
		}
		detection.Matches = append(detection.Matches, models.CDMMatch{
			Entity:      entity.Name,
			CDMEntity:   entity.Name,
			LogicalName: logical,
			Confidence:  1,
			MatchType:   models.CDMMatchExact,
		})
	}
	detection.Recommendations = recommendations(detection.Matches, len(entities))
	return detection, nil
}

// ============================================================================
// Two-tier matcher
// ============================================================================

// Matcher tries the registry first and falls back to exact names.
type Matcher struct {
	primary  Detector
	fallback Detector
	logger   *zap.Logger
}

// NewMatcher builds the two-tier matcher over the embedded registry. A
// registry that fails to load leaves only the fallback tier.
func NewMatcher(threshold float64, logger *zap.Logger) *Matcher {
	m := &Matcher{fallback: FallbackMatcher{}, logger: logger.Named("cdm")}
	reg, err := DefaultRegistry()
	if err != nil {
		m.logger.Warn("CDM registry unavailable, using exact-name fallback", zap.Error(err))
		return m
	}
	m.primary = NewRegistryMatcher(reg, threshold)
	return m
}

// NewMatcherWith composes explicit tiers; primary may be nil.
func NewMatcherWith(primary, fallback Detector, logger *zap.Logger) *Matcher {
	return &Matcher{primary: primary, fallback: fallback, logger: logger.Named("cdm")}
}

// Detect returns matches from the first tier that succeeds.
func (m *Matcher) Detect(entities []models.Entity) *models.CDMDetection {
	if m.primary != nil {
		detection, err := m.primary.Detect(entities)
		if err == nil {
			return detection
		}
		m.logger.Warn("Registry CDM detection failed, falling back", zap.Error(err))
	}
	detection, err := m.fallback.Detect(entities)
	if err != nil {
		m.logger.Error("Fallback CDM detection failed", zap.Error(err))
		return &models.CDMDetection{Source: "none", Matches: []models.CDMMatch{}, Recommendations: []string{}}
	}
	return detection
}

// Apply sets IsCdm on matched entities only when the user opted in. When
// selected is non-empty only those entity names are flagged.
func Apply(entities []models.Entity, detection *models.CDMDetection, choice EntityChoice, selected []string) {
	pick := make(map[string]bool, len(selected))
	for _, s := range selected {
		pick[strings.ToLower(s)] = true
	}
	for i := range entities {
		entities[i].IsCdm = false
		if choice != ChoiceCDM {
			continue
		}
		if _, ok := detection.Match(entities[i].Name); !ok {
			continue
		}
		if len(pick) > 0 && !pick[strings.ToLower(entities[i].Name)] {
			continue
		}
		entities[i].IsCdm = true
	}
}

func recommendations(matches []models.CDMMatch, total int) []string {
	recs := []string{}
	if len(matches) == 0 {
		return recs
	}
	sorted := append([]models.CDMMatch(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	recs = append(recs, fmt.Sprintf("%d of %d entities match standard Dataverse tables", len(matches), total))
	for _, m := range sorted {
		recs = append(recs, fmt.Sprintf("Reuse %s for %s to inherit its built-in columns and relationships", m.CDMEntity, m.Entity))
	}
	return recs
}
