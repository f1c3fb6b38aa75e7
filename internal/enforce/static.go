package enforce

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChatCompletionsFilter catches OpenAI-compatible completion endpoints on
// any host.
const ChatCompletionsFilter = "||*/v1/chat/completions"

var defaultStaticTypes = []ResourceType{MainFrame, SubFrame}

// chatCompletionsRule is always the last static rule.
func chatCompletionsRule(id int) Rule {
	return Rule{
		ID:            id,
		Priority:      1,
		URLFilter:     ChatCompletionsFilter,
		ResourceTypes: []ResourceType{XMLHTTPRequest, MainFrame, SubFrame, Other},
		Action:        ActionRedirect,
	}
}

// DefaultStaticRules is the static ruleset used when no rules file is
// configured.
func DefaultStaticRules() []Rule {
	return []Rule{chatCompletionsRule(1)}
}

// LoadStaticRules parses a static blocklist. The input is CSV with a
// header naming a pattern column and an optional types column holding a
// comma separated list of main, sub, xhr, script, other. Unknown types are
// skipped; a row without usable types gets main_frame and sub_frame.
func LoadStaticRules(r io.Reader) ([]Rule, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return DefaultStaticRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	patternCol, typesCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "pattern":
			patternCol = i
		case "types":
			typesCol = i
		}
	}
	if patternCol < 0 {
		return nil, fmt.Errorf("missing pattern column")
	}

	var rules []Rule
	id := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %d: %w", id, err)
		}
		if patternCol >= len(record) {
			continue
		}
		pattern := strings.TrimSpace(record[patternCol])
		if pattern == "" {
			continue
		}

		var raw string
		if typesCol >= 0 && typesCol < len(record) {
			raw = record[typesCol]
		}

		rules = append(rules, Rule{
			ID:            id,
			Priority:      1,
			URLFilter:     DomainFilter(pattern),
			ResourceTypes: mapTypes(raw),
			Action:        ActionBlock,
		})
		id++
	}

	return append(rules, chatCompletionsRule(id)), nil
}

// LoadStaticRulesFile loads a static blocklist from path
func LoadStaticRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open static rules: %w", err)
	}
	defer f.Close()

	rules, err := LoadStaticRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func mapTypes(raw string) []ResourceType {
	var types []ResourceType
	for _, part := range strings.Split(raw, ",") {
		if t, err := ParseResourceType(part); err == nil {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		types = append(types, defaultStaticTypes...)
	}
	return types
}
