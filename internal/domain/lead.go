package domain

import "time"

// Lead is the prospect record owned by the CRM. The hint fields are caches
// written by the engine and may be stale.
type Lead struct {
	ID     string
	Name   string
	Phone  string
	Fields map[string]string

	HasActiveSequences bool
	NextActionAt       *time.Time
	LastMessageAt      *time.Time
	Tags               []string
}

// Field returns the template value for key, or "" when absent.
func (l *Lead) Field(key string) string {
	switch key {
	case "id":
		return l.ID
	case "name":
		return l.Name
	case "phone":
		return l.Phone
	}
	if l.Fields == nil {
		return ""
	}
	return l.Fields[key]
}

// LeadHints is a partial update of the denormalized lead hints. Nil fields
// are left untouched.
type LeadHints struct {
	HasActiveSequences *bool
	NextActionAt       *time.Time
	LastMessageAt      *time.Time
	AddTags            []string
}
