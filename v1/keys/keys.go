// Package keys builds namespaced storage keys. A Namespacer is a pure function
// of its configuration: the same parts always map to the same key, and parts
// that differ never share one.
package keys

import (
	"strings"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-warlock/v1/config"
)

// Namespacer joins key parts under a configured prefix.
type Namespacer struct {
	prefix      string
	separator   string
	eventPrefix string
	lockPrefix  string
	newID       func() string
}

// New returns a Namespacer for the key-formatting fields of opts. An empty
// separator falls back to config.DefaultSeparator.
func New(opts config.Options) *Namespacer {
	sep := opts.Separator
	if sep == "" {
		sep = config.DefaultSeparator
	}
	return &Namespacer{
		prefix:      opts.Prefix,
		separator:   sep,
		eventPrefix: opts.EventPrefix,
		lockPrefix:  opts.LockPrefix,
		newID:       randomID,
	}
}

// randomID returns a time-based UUID, falling back to a random one when the
// node clock sequence cannot be read.
func randomID() string {
	if id, err := uuid.NewUUID(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Separator returns the configured separator.
func (n *Namespacer) Separator() string { return n.separator }

// Prefix returns the configured key prefix.
func (n *Namespacer) Prefix() string { return n.prefix }

// Key returns prefix + parts joined by the separator. Empty parts are skipped;
// when no part is left a random identifier is used instead.
func (n *Namespacer) Key(parts ...string) string {
	parts = compact(parts)
	if len(parts) == 0 {
		parts = []string{n.newID()}
	}
	return n.join(append([]string{n.prefix}, parts...))
}

// EventKey returns the key of an event channel.
func (n *Namespacer) EventKey(parts ...string) string {
	return n.namespaced(n.eventPrefix, parts)
}

// LockKey returns the storage key of a lock. It never returns the bare lock
// namespace: with no parts a random identifier is substituted.
func (n *Namespacer) LockKey(parts ...string) string {
	return n.namespaced(n.lockPrefix, parts)
}

func (n *Namespacer) namespaced(segment string, parts []string) string {
	parts = compact(parts)
	if len(parts) == 0 {
		parts = []string{n.newID()}
	}
	return n.Key(append([]string{segment}, parts...)...)
}

// Pattern returns a KEYS glob matching every key under prefix + pattern.
func (n *Namespacer) Pattern(pattern string) string {
	parts := append([]string{n.prefix}, n.Split(pattern)...)
	return n.join(parts) + "*"
}

// Split breaks a logical name on the separator, dropping empty segments.
func (n *Namespacer) Split(name string) []string {
	return compact(strings.Split(name, n.separator))
}

func (n *Namespacer) join(parts []string) string {
	return strings.Join(compact(parts), n.separator)
}

func compact(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
