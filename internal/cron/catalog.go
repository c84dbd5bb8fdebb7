package cron

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTask is returned when a schedule names a task outside the
// catalog.
var ErrUnknownTask = errors.New("unknown catalog task")

// catalog maps predefined task names to their canonical descriptions.
// Schedules compose from these names; free-form work goes through the
// queue commands instead.
var catalog = map[string]string{
	"clean_code":           "Clean and format code files",
	"run_tests":            "Run project test suite",
	"code_review":          "Perform automated code review",
	"update_deps":          "Check and update dependencies",
	"security_scan":        "Run security vulnerability scan",
	"performance_check":    "Analyze performance metrics",
	"documentation_update": "Update README and documentation",
}

// Describe resolves a catalog task name to its canonical description.
func Describe(name string) (string, error) {
	d, ok := catalog[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return d, nil
}

// CatalogNames returns the recognized task names, sorted.
func CatalogNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog returns a copy of the name to description map.
func Catalog() map[string]string {
	out := make(map[string]string, len(catalog))
	for k, v := range catalog {
		out[k] = v
	}
	return out
}
