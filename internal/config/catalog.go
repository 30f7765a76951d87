package config

import (
	"cmp"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/antzucaro/matchr"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" suggestion.
const suggestThreshold = 0.8

// Catalog is the read-only view of the configured channels. It is safe for
// concurrent use; [Catalog.Replace] swaps the whole set atomically so readers
// always see one consistent snapshot.
type Catalog struct {
	snap atomic.Pointer[catalogSnapshot]
}

type catalogSnapshot struct {
	all    []ChannelConfig
	byName map[string]int
}

// CategoryGroup is a category and its enabled channels in config order.
type CategoryGroup struct {
	Category string
	Channels []ChannelConfig
}

// NewCatalog builds a catalog from channel definitions.
func NewCatalog(channels []ChannelConfig) *Catalog {
	c := &Catalog{}
	c.Replace(channels)
	return c
}

// Replace swaps in a new set of channel definitions.
func (c *Catalog) Replace(channels []ChannelConfig) {
	s := &catalogSnapshot{
		all:    slices.Clone(channels),
		byName: make(map[string]int, len(channels)),
	}
	for i, ch := range s.all {
		s.byName[strings.ToLower(ch.Name)] = i
	}
	c.snap.Store(s)
}

// Lookup returns the enabled channel with the given name. Matching is
// case-insensitive.
func (c *Catalog) Lookup(name string) (ChannelConfig, bool) {
	s := c.snap.Load()
	i, ok := s.byName[strings.ToLower(name)]
	if !ok || !s.all[i].IsEnabled() {
		return ChannelConfig{}, false
	}
	return s.all[i], true
}

// ListEnabled returns every enabled channel in config order.
func (c *Catalog) ListEnabled() []ChannelConfig {
	s := c.snap.Load()
	out := make([]ChannelConfig, 0, len(s.all))
	for _, ch := range s.all {
		if ch.IsEnabled() {
			out = append(out, ch)
		}
	}
	return out
}

// Counts returns the number of configured and enabled channels.
func (c *Catalog) Counts() (total, enabled int) {
	s := c.snap.Load()
	for _, ch := range s.all {
		if ch.IsEnabled() {
			enabled++
		}
	}
	return len(s.all), enabled
}

// ByCategory groups the enabled channels by category. Groups are sorted by
// category name; channels without a category are grouped under "Other".
func (c *Catalog) ByCategory() []CategoryGroup {
	idx := make(map[string]int)
	var groups []CategoryGroup
	for _, ch := range c.ListEnabled() {
		cat := ch.Category
		if cat == "" {
			cat = "Other"
		}
		i, ok := idx[cat]
		if !ok {
			i = len(groups)
			idx[cat] = i
			groups = append(groups, CategoryGroup{Category: cat})
		}
		groups[i].Channels = append(groups[i].Channels, ch)
	}
	slices.SortStableFunc(groups, func(a, b CategoryGroup) int {
		return cmp.Compare(a.Category, b.Category)
	})
	return groups
}

// Suggest returns the enabled channel name most similar to name, or "" when
// nothing is close enough.
func (c *Catalog) Suggest(name string) string {
	needle := strings.ToLower(name)
	best, bestScore := "", 0.0
	for _, ch := range c.ListEnabled() {
		score := matchr.JaroWinkler(needle, strings.ToLower(ch.Name), false)
		if dn := strings.ToLower(ch.DisplayName); dn != "" {
			if s := matchr.JaroWinkler(needle, dn, false); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = ch.Name, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

// Search returns up to limit enabled channels whose name or display name
// contains query, for command autocompletion. An empty query matches all.
func (c *Catalog) Search(query string, limit int) []ChannelConfig {
	q := strings.ToLower(query)
	var out []ChannelConfig
	for _, ch := range c.ListEnabled() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if q == "" || strings.Contains(strings.ToLower(ch.Name), q) || strings.Contains(strings.ToLower(ch.DisplayName), q) {
			out = append(out, ch)
		}
	}
	return out
}
