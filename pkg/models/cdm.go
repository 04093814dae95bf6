package models

// CDMMatchType says how an entity was matched to a standard entity.
type CDMMatchType string

const (
	CDMMatchExact CDMMatchType = "exact"
	CDMMatchFuzzy CDMMatchType = "fuzzy"
)

// CDMMatch links one ERD entity to a Common Data Model entity.
type CDMMatch struct {
	Entity            string       `json:"entity"`
	CDMEntity         string       `json:"cdmEntity"`
	LogicalName       string       `json:"logicalName"`
	Confidence        float64      `json:"confidence"`
	MatchType         CDMMatchType `json:"matchType"`
	MatchedAttributes []string     `json:"matchedAttributes,omitempty"`
}

// CDMDetection is the matcher output attached to a validation result.
type CDMDetection struct {
	Matches         []CDMMatch `json:"matches"`
	Recommendations []string   `json:"recommendations"`
	Source          string     `json:"source"` // "registry" or "fallback"
}

// Match returns the match for the named entity, if any.
func (d *CDMDetection) Match(entity string) (CDMMatch, bool) {
	if d == nil {
		return CDMMatch{}, false
	}
	for _, m := range d.Matches {
		if m.Entity == entity {
			return m, true
		}
	}
	return CDMMatch{}, false
}
