package router

import "strings"

// providerPrefixes maps model id prefixes to provider labels.
// Order matters: the first matching prefix wins.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"text-embedding-", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"llama", "meta"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
}

// ProviderFor labels a model id with its provider.
//
// An explicit namespace ("anthropic/claude-3-haiku") wins; otherwise a known
// prefix decides; anything else gets defaultProvider. The label only feeds
// metrics and traces.
func ProviderFor(model, defaultProvider string) string {
	id := strings.ToLower(strings.TrimSpace(model))
	if ns, _, ok := strings.Cut(id, "/"); ok && ns != "" {
		return ns
	}
	for _, p := range providerPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return p.provider
		}
	}
	return defaultProvider
}
