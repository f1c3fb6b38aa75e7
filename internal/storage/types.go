package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of day keys.
const DateLayout = "2006-01-02"

// Scope selects one of the two settings namespaces.
type Scope string

const (
	// ScopeLocal holds values private to this installation.
	ScopeLocal Scope = "local"
	// ScopeSync holds values that follow the user across installations.
	ScopeSync Scope = "sync"
)

// Scopes lists every valid scope.
var Scopes = []Scope{ScopeLocal, ScopeSync}

// UnmarshalJSON implements json.Unmarshaler to normalize scope to lowercase.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	scope, err := ParseScope(raw)
	if err != nil {
		return err
	}
	*s = scope
	return nil
}

// ParseScope validates a scope name.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(raw)) {
	case ScopeLocal:
		return ScopeLocal, nil
	case ScopeSync:
		return ScopeSync, nil
	default:
		return "", fmt.Errorf("invalid scope: %s (must be local or sync)", raw)
	}
}

// DailyUsage is the accumulated visible time for one domain on one day.
type DailyUsage struct {
	Date         string `json:"date"`
	Domain       string `json:"domain"`
	TotalSeconds int64  `json:"total_seconds"`
}

// ValidDate reports whether date is a well-formed day key.
func ValidDate(date string) bool {
	_, err := time.Parse(DateLayout, date)
	return err == nil
}
