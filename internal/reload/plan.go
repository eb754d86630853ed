package reload

import (
	"bytes"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/coupler/config"
)

// Plan describes how a reloaded configuration differs from the running one.
type Plan struct {
	Added   []string
	Removed []string
	Changed []string
	// Settings is set when anything outside the connector list differs.
	Settings bool
}

// Empty reports whether applying the reloaded configuration would change nothing.
func (p Plan) Empty() bool {
	return !p.Settings && len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// Affected lists the ids of every added, removed or changed connector.
func (p Plan) Affected() []string {
	ids := make(map[string]struct{}, len(p.Added)+len(p.Removed)+len(p.Changed))
	for _, list := range [][]string{p.Added, p.Removed, p.Changed} {
		for _, id := range list {
			ids[id] = struct{}{}
		}
	}
	return sortedKeys(ids)
}

// Diff compares running and next. Connectors are matched by id and compared by
// their YAML rendering, so moving a connector within or between files does
// not count as a change.
func Diff(running, next *config.Config) Plan {
	var plan Plan
	if running == nil || next == nil {
		plan.Settings = running != next
		return plan
	}
	plan.Settings = !sameYAML(settingsOf(running), settingsOf(next))

	before := make(map[string]config.ConnectorConfig, len(running.Connectors))
	for _, conn := range running.Connectors {
		before[conn.ID] = conn
	}
	seen := make(map[string]struct{}, len(next.Connectors))
	for _, conn := range next.Connectors {
		seen[conn.ID] = struct{}{}
		old, ok := before[conn.ID]
		switch {
		case !ok:
			plan.Added = append(plan.Added, conn.ID)
		case !sameYAML(old, conn):
			plan.Changed = append(plan.Changed, conn.ID)
		}
	}
	for id := range before {
		if _, ok := seen[id]; !ok {
			plan.Removed = append(plan.Removed, id)
		}
	}
	sort.Strings(plan.Added)
	sort.Strings(plan.Removed)
	sort.Strings(plan.Changed)
	return plan
}

func settingsOf(cfg *config.Config) config.Config {
	out := *cfg
	out.Connectors = nil
	out.Include = nil
	out.Source = config.ModuleReference{}
	return out
}

// sameYAML reports whether a and b render identically. Values that cannot be
// rendered are treated as different.
func sameYAML(a, b interface{}) bool {
	ra, err := yaml.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := yaml.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
