// Package rpc implements the FieldSync transport: classification of RPC method names and an
// HTTP client that posts {method, params} envelopes to the backend services.
package rpc

import "strings"

// DefaultMutationPrefixes are the method prefixes that denote a state-changing call.
var DefaultMutationPrefixes = []string{"data/save", "data/delete", "data/assign"}

// Classifier decides whether an RPC method changes server state.
type Classifier struct {
	prefixes []string
}

// DefaultClassifier recognises DefaultMutationPrefixes.
var DefaultClassifier = NewClassifier(DefaultMutationPrefixes...)

// NewClassifier returns a classifier for the given prefixes. Empty prefixes are ignored so
// that a blank config entry cannot turn every method into a mutation.
func NewClassifier(prefixes ...string) *Classifier {
	c := &Classifier{}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			c.prefixes = append(c.prefixes, p)
		}
	}
	return c
}

// Prefixes returns a copy of the configured prefixes.
func (c *Classifier) Prefixes() []string {
	return append([]string(nil), c.prefixes...)
}

// IsMutation reports whether method starts with one of the mutation prefixes.
// Unknown or empty names are not mutations and are sent directly.
func (c *Classifier) IsMutation(method string) bool {
	if c == nil || method == "" {
		return false
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// IsMutation classifies method with DefaultClassifier.
func IsMutation(method string) bool {
	return DefaultClassifier.IsMutation(method)
}
