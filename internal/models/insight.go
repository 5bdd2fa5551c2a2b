package models

// Insight is one runtime observation attached to a code object, as returned
// by the analytics backend.
type Insight struct {
	CodeObjectID string `json:"codeObjectId"`
	Type         string `json:"type"`
	Importance   int    `json:"importance"`
	Content      string `json:"content,omitempty"`
}
