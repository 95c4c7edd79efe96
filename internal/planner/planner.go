// Package planner turns a raw installation request into an ordered,
// dependency-respecting PlannedInstall.
package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noona-project/warden/internal/apperrors"
	"github.com/noona-project/warden/internal/catalog"
	"github.com/noona-project/warden/internal/depgraph"
)

// InvalidEntry records a request entry that could not be normalized. It is
// preserved in the result rather than aborting the whole plan.
type InvalidEntry struct {
	Name   string
	Reason string
}

// PlannedInstall is the output of Plan: the service names in installation
// order, their merged env overrides, and any entries that were rejected.
type PlannedInstall struct {
	Order     []string
	Overrides map[string]map[string]string
	Invalid   []InvalidEntry
}

// Plan seeds the required services, normalizes and merges requestEntries
// (each either a bare string/number or a map with "name"/"env" keys, as
// decoded from a JSON request body), then topologically sorts the result
// against the catalog's dependency graph. A cycle aborts the whole plan
// with a *apperrors.ValidationError naming the chain; no partial order is
// ever returned in that case.
func Plan(cat *catalog.Catalog, requestEntries []interface{}) (*PlannedInstall, error) {
	order := make([]string, 0, len(requestEntries)+4)
	seen := make(map[string]bool, len(requestEntries)+4)
	overrides := make(map[string]map[string]string, len(requestEntries)+4)
	var invalid []InvalidEntry

	for _, name := range cat.Required() {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
			overrides[name] = map[string]string{}
		}
	}

	for _, raw := range requestEntries {
		name, env, reason := normalizeEntry(raw)
		if reason != "" {
			invalid = append(invalid, InvalidEntry{Name: name, Reason: reason})
			continue
		}
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
			overrides[name] = map[string]string{}
		}
		for k, v := range env {
			overrides[name][k] = v
		}
	}

	// Sort the whole catalog graph (plus any unknown requested names) so a
	// cycle through a service that was not itself requested is still caught,
	// then keep only the requested names in that order.
	all := cat.Names()
	for name := range seen {
		all[name] = true
	}
	g := depgraph.Build(all, cat.Dependencies())
	full, err := g.Sort()
	if err != nil {
		return nil, &apperrors.ValidationError{Reason: err.Error()}
	}
	sorted := make([]string, 0, len(seen))
	for _, name := range full {
		if seen[name] {
			sorted = append(sorted, name)
		}
	}

	return &PlannedInstall{Order: sorted, Overrides: overrides, Invalid: invalid}, nil
}

// normalizeEntry extracts a (name, env) pair from a raw JSON-decoded
// request entry. reason is non-empty when the entry is invalid; name is
// still populated on a best-effort basis so callers can report which entry
// failed.
func normalizeEntry(raw interface{}) (name string, env map[string]string, reason string) {
	switch v := raw.(type) {
	case string:
		name = strings.TrimSpace(v)
		if name == "" {
			return "", nil, "empty service name"
		}
		return name, nil, ""

	case float64:
		name = strings.TrimSpace(strconv.FormatFloat(v, 'f', -1, 64))
		if name == "" {
			return "", nil, "empty service name"
		}
		return name, nil, ""

	case map[string]interface{}:
		rawName, hasName := v["name"]
		nameStr, isString := rawName.(string)
		name = strings.TrimSpace(nameStr)
		if !hasName || !isString || name == "" {
			return "", nil, "missing or empty name"
		}

		rawEnv, hasEnv := v["env"]
		if !hasEnv || rawEnv == nil {
			return name, nil, ""
		}
		envMap, ok := rawEnv.(map[string]interface{})
		if !ok {
			return name, nil, "env must be a flat mapping of string to scalar"
		}
		env = make(map[string]string, len(envMap))
		for k, val := range envMap {
			switch sv := val.(type) {
			case string:
				env[k] = sv
			case float64:
				env[k] = strconv.FormatFloat(sv, 'f', -1, 64)
			case bool:
				env[k] = strconv.FormatBool(sv)
			case nil:
				env[k] = ""
			default:
				return name, nil, fmt.Sprintf("env value for %q must be a scalar", k)
			}
		}
		return name, env, ""

	default:
		return fmt.Sprintf("%v", raw), nil, "entry must be a string or an object"
	}
}
