// Package archs holds the configured build-architecture set and the
// mapping table from a recipe's declared architecture identifiers (as
// written in its build file) to the builder's own isolated-execution-
// environment names, adapted from distri's archs.go.
package archs

import "sort"

// Set is the configured build-architectures set. "any" is always implicitly
// accepted for arch-neutral artifacts but never appears here: it has no
// dedicated container.
type Set map[string]bool

// Default mirrors the two architectures a typical binary repo builds for.
var Default = Set{
	"x86_64":  true,
	"aarch64": true,
}

// Mapping translates a recipe's declared architecture identifier (as found
// in its build description) to the builder's container/arch name. Entries
// absent from Mapping are dropped by the update detector with a warning.
type Mapping map[string]string

// DefaultMapping is the identity mapping for the two default architectures,
// plus the common aliases a packaging toolchain emits.
var DefaultMapping = Mapping{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
}

// Map applies the mapping to a list of declared architecture identifiers,
// dropping unmapped entries and de-duplicating the result while preserving
// first-seen order.
func (m Mapping) Map(declared []string) []string {
	seen := make(map[string]bool, len(declared))
	var out []string
	for _, d := range declared {
		mapped, ok := m[d]
		if !ok {
			continue
		}
		if seen[mapped] {
			continue
		}
		seen[mapped] = true
		out = append(out, mapped)
	}
	return out
}

// Representative picks the representative architecture for an update
// check: x86_64 if present, else the first mapped arch in sorted order for
// determinism.
func Representative(mapped []string) (string, bool) {
	if len(mapped) == 0 {
		return "", false
	}
	for _, a := range mapped {
		if a == "x86_64" {
			return "x86_64", true
		}
	}
	sorted := append([]string(nil), mapped...)
	sort.Strings(sorted)
	return sorted[0], true
}

// Sorted returns the configured architectures in sorted order, for
// deterministic iteration (e.g. regenerate()).
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
