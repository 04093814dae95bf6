package models

// GlobalChoice is a global option set supplied with a deployment request.
type GlobalChoice struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options"`
}
