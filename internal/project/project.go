// Package project holds the configured set of workspaces the bridge may
// open sessions in, and a watcher that tracks their on-disk availability.
package project

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

var (
	// ErrUnknown is returned when a name does not match any configured project.
	ErrUnknown = errors.New("unknown project")

	// ErrUnavailable is returned when a configured project's directory is
	// missing on disk.
	ErrUnavailable = errors.New("project directory is unavailable")
)

// Project is one configured workspace.
type Project struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Exists reports whether the project directory is present on disk.
func (p Project) Exists() bool {
	info, err := os.Stat(p.Path)
	return err == nil && info.IsDir()
}

// Set is an immutable, name-indexed collection of projects.
type Set struct {
	byName map[string]Project
	names  []string
}

// NewSet builds a Set from configured projects. Names must be unique and
// both name and path must be non-empty.
func NewSet(projects []Project) (*Set, error) {
	s := &Set{byName: make(map[string]Project, len(projects))}
	for _, p := range projects {
		if p.Name == "" {
			return nil, fmt.Errorf("project with path %q has no name", p.Path)
		}
		if p.Path == "" {
			return nil, fmt.Errorf("project %q has no path", p.Name)
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate project name %q", p.Name)
		}
		s.byName[p.Name] = p
		s.names = append(s.names, p.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Lookup returns the project by name.
func (s *Set) Lookup(name string) (Project, error) {
	p, ok := s.byName[name]
	if !ok {
		return Project{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p, nil
}

// List returns all projects sorted by name.
func (s *Set) List() []Project {
	out := make([]Project, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

// Names returns the sorted project names.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of configured projects.
func (s *Set) Len() int {
	return len(s.names)
}
