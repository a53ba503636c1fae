package stakeholder

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Team is one roster entry: a contact responsible for a set of
// resource types, optionally restricted to locations.
type Team struct {
	Name          string   `yaml:"name"`
	Contact       string   `yaml:"contact"`
	ResourceTypes []string `yaml:"resource_types"`
	// Locations restricts the team to specific locations. Empty means
	// the team covers every location.
	Locations []string `yaml:"locations"`
}

// Roster is the on-disk roster document.
type Roster struct {
	Teams []Team `yaml:"teams"`
	// Fallback is notified when no team matches a request's needs.
	Fallback string `yaml:"fallback"`
}

// Resolver maps a request's needs and location to stakeholder
// contacts.
type Resolver struct {
	roster Roster
}

// Load reads a YAML roster file.
func Load(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}
	return Parse(data)
}

// Parse builds a Resolver from YAML roster bytes.
func Parse(data []byte) (*Resolver, error) {
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}
	for i, team := range roster.Teams {
		if team.Contact == "" {
			return nil, fmt.Errorf("roster team %d (%s) has no contact", i, team.Name)
		}
	}
	return &Resolver{roster: roster}, nil
}

// NewStatic builds a Resolver from an in-memory roster.
func NewStatic(roster Roster) *Resolver {
	return &Resolver{roster: roster}
}

// Resolve returns the deduplicated, sorted contacts for the given
// needs at the given location. An empty result means the roster has
// nobody for this request; the caller decides how to treat that.
func (r *Resolver) Resolve(needs []string, location string) []string {
	seen := make(map[string]bool)
	for _, team := range r.roster.Teams {
		if !team.covers(needs, location) {
			continue
		}
		seen[team.Contact] = true
	}
	if len(seen) == 0 && r.roster.Fallback != "" {
		seen[r.roster.Fallback] = true
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (t *Team) covers(needs []string, location string) bool {
	if len(t.Locations) > 0 && location != "" {
		ok := false
		for _, l := range t.Locations {
			if l == location {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, rt := range t.ResourceTypes {
		for _, n := range needs {
			if rt == n {
				return true
			}
		}
	}
	return false
}
