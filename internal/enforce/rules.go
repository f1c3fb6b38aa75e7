// Package enforce keeps the rule surface in step with the policy window and
// the tracked domain list.
package enforce

import (
	"fmt"
	"strings"

	"github.com/goodtune/kfocus/internal/domains"
)

// ResourceType is the kind of request a rule applies to
type ResourceType string

const (
	MainFrame      ResourceType = "main_frame"
	SubFrame       ResourceType = "sub_frame"
	XMLHTTPRequest ResourceType = "xmlhttprequest"
	Script         ResourceType = "script"
	Other          ResourceType = "other"
)

// BlockedResourceTypes is what every dynamic block rule covers.
var BlockedResourceTypes = []ResourceType{MainFrame, SubFrame, XMLHTTPRequest, Script, Other}

// ParseResourceType accepts both the full and the short names used in
// static rule files.
func ParseResourceType(s string) (ResourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "main", string(MainFrame):
		return MainFrame, nil
	case "sub", string(SubFrame):
		return SubFrame, nil
	case "xhr", string(XMLHTTPRequest):
		return XMLHTTPRequest, nil
	case string(Script):
		return Script, nil
	case string(Other):
		return Other, nil
	default:
		return "", fmt.Errorf("unknown resource type %q", s)
	}
}

// Action is what a matching rule does
type Action string

const (
	ActionBlock    Action = "block"
	ActionRedirect Action = "redirect"
)

// Rule is one materialized rule on the surface
type Rule struct {
	ID            int            `json:"id"`
	Priority      int            `json:"priority"`
	URLFilter     string         `json:"url_filter"`
	ResourceTypes []ResourceType `json:"resource_types"`
	Action        Action         `json:"action"`
}

// DomainFilter anchors a filter on a host and its subdomains.
func DomainFilter(host string) string {
	return "||" + host
}

// BuildBlockRules returns one block rule per distinct normalized domain,
// numbered from base in input order.
func BuildBlockRules(list []string, base int) []Rule {
	normalized := domains.NormalizeAll(list)
	rules := make([]Rule, 0, len(normalized))
	for i, d := range normalized {
		types := make([]ResourceType, len(BlockedResourceTypes))
		copy(types, BlockedResourceTypes)
		rules = append(rules, Rule{
			ID:            base + i,
			Priority:      1,
			URLFilter:     DomainFilter(d),
			ResourceTypes: types,
			Action:        ActionBlock,
		})
	}
	return rules
}

// input renders the rule for the policy engine
func (r Rule) input() map[string]interface{} {
	types := make([]interface{}, 0, len(r.ResourceTypes))
	for _, t := range r.ResourceTypes {
		types = append(types, string(t))
	}
	return map[string]interface{}{
		"id":             r.ID,
		"priority":       r.Priority,
		"url_filter":     r.URLFilter,
		"resource_types": types,
		"action":         string(r.Action),
	}
}
