// Package domains decides whether a hostname belongs to the tracked set.
//
// The tracked set is the union of a fixed default list and a user-supplied
// custom list. A hostname matches an entry when it equals the entry or is a
// strict subdomain of it.
package domains

import (
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults is the built-in list of AI assistant domains that are both
// tracked and blocked.
var Defaults = []string{
	"chat.openai.com", "chatgpt.com", "platform.openai.com", "api.openai.com",
	"gemini.google.com", "bard.google.com", "ai.google.dev", "generativeai.googleapis.com",
	"claude.ai", "api.anthropic.com",
	"copilot.microsoft.com", "www.bing.com", "perplexity.ai",
	"poe.com", "pi.ai", "huggingface.co", "meta.ai",
	"grok.x.ai", "deepseek.com", "qwenlm.ai", "tongyi.aliyun.com", "mistral.ai",
}

const verdictCacheSize = 1024

// Normalize reduces a user-supplied entry to a bare lower-case hostname.
// Full http(s) URLs are reduced to their host; anything else is lower-cased
// verbatim.
func Normalize(entry string) string {
	entry = strings.TrimSpace(entry)
	lower := strings.ToLower(entry)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if u, err := url.Parse(entry); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	return lower
}

// NormalizeAll normalizes every entry, dropping empty results and
// duplicates while keeping the input order.
func NormalizeAll(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		host := Normalize(e)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

// Matches reports whether hostname equals an entry of list or ends with
// "." + entry. An empty hostname never matches.
func Matches(hostname string, list []string) bool {
	if hostname == "" {
		return false
	}
	for _, d := range list {
		if d == "" {
			continue
		}
		if hostname == d || strings.HasSuffix(hostname, "."+d) {
			return true
		}
	}
	return false
}

// Matcher answers tracked-domain queries against a cached copy of the
// default and custom lists. The cache changes only through Refresh.
type Matcher struct {
	mu       sync.RWMutex
	defaults []string
	custom   []string
	verdicts *lru.Cache[string, bool]
}

// NewMatcher creates a matcher over the given defaults. A nil or empty
// defaults slice selects the built-in list.
func NewMatcher(defaults []string) *Matcher {
	if len(defaults) == 0 {
		defaults = Defaults
	}
	cache, _ := lru.New[string, bool](verdictCacheSize)
	return &Matcher{
		defaults: NormalizeAll(defaults),
		custom:   []string{},
		verdicts: cache,
	}
}

// Refresh replaces the cached custom list and drops memoized verdicts.
func (m *Matcher) Refresh(custom []string) {
	normalized := NormalizeAll(custom)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom = normalized
	m.verdicts.Purge()
}

// IsTracked reports whether hostname belongs to defaults ∪ custom.
func (m *Matcher) IsTracked(hostname string) bool {
	if hostname == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.verdicts.Get(hostname); ok {
		return v
	}
	v := Matches(hostname, m.defaults) || Matches(hostname, m.custom)
	m.verdicts.Add(hostname, v)
	return v
}

// Defaults returns a copy of the default list.
func (m *Matcher) Defaults() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.defaults...)
}

// Custom returns a copy of the normalized custom list.
func (m *Matcher) Custom() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.custom...)
}

// Domains returns defaults followed by custom entries not already present.
func (m *Matcher) Domains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.defaults)+len(m.custom))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{m.defaults, m.custom} {
		for _, d := range list {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
