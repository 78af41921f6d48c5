package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads Rego modules from files and directories.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadFromPaths loads the modules at paths. A file must be a .rego file; a
// directory is walked for .rego files, skipping unreadable ones.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var all []Policy

	for _, p := range paths {
		policies, err := l.loadFromPath(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(p string) ([]Policy, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(p)
	}

	if !isRego(p) {
		return nil, fmt.Errorf("not a .rego file: %s", p)
	}
	policy, err := loadFromFile(p)
	if err != nil {
		return nil, err
	}
	return []Policy{policy}, nil
}

func (l *Loader) loadFromDirectory(dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRego(p) {
			return nil
		}

		policy, err := loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func loadFromFile(p string) (Policy, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}
	return Policy{Name: p, Rego: string(data)}, nil
}

func isRego(p string) bool {
	return strings.HasSuffix(p, ".rego") && !strings.HasSuffix(p, "_test.rego")
}
