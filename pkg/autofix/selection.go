package autofix

import (
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// FixMode selects which warnings a bulk fix addresses.
type FixMode string

const (
	// ModeAll attempts every warning; ones without a fixer are reported as failed.
	ModeAll FixMode = "all"
	// ModeAutoFixableOnly only touches warnings flagged autoFixable.
	ModeAutoFixableOnly FixMode = "autoFixableOnly"
	// ModeTypes fixes an explicit list of warning types.
	ModeTypes FixMode = "types"
)

// Selection is the fixTypes request field: "all", "autoFixableOnly" or a
// list of warning types.
type Selection struct {
	Mode  FixMode
	Types []models.WarningType
}

// AutoFixableOnly is the selection used to build the corrected ERD.
func AutoFixableOnly() Selection {
	return Selection{Mode: ModeAutoFixableOnly}
}

// UnmarshalJSON accepts a mode string or an array of warning types.
// An empty value means autoFixableOnly.
func (s *Selection) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = AutoFixableOnly()
		return nil
	}

	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		switch FixMode(mode) {
		case ModeAll, ModeAutoFixableOnly:
			*s = Selection{Mode: FixMode(mode)}
		case "":
			*s = AutoFixableOnly()
		default:
			// A single type name is accepted as a one-element list.
			*s = Selection{Mode: ModeTypes, Types: []models.WarningType{models.WarningType(mode)}}
		}
		return nil
	}

	var types []models.WarningType
	if err := json.Unmarshal(data, &types); err != nil {
		return fmt.Errorf("fixTypes must be \"all\", \"autoFixableOnly\" or a list of warning types: %w", err)
	}
	if len(types) == 0 {
		*s = AutoFixableOnly()
		return nil
	}
	*s = Selection{Mode: ModeTypes, Types: types}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (s Selection) MarshalJSON() ([]byte, error) {
	if s.Mode == ModeTypes {
		return json.Marshal(s.Types)
	}
	mode := s.Mode
	if mode == "" {
		mode = ModeAutoFixableOnly
	}
	return json.Marshal(string(mode))
}
