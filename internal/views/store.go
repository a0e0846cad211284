package views

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sentinel errors for view-definition store operations.
var (
	// ErrViewDefinitionNotFound is returned when no definition exists under
	// the requested name.
	ErrViewDefinitionNotFound = errors.New("view definition not found")

	// ErrViewStoreFailed is returned when a store operation fails for reasons
	// other than a missing definition.
	ErrViewStoreFailed = errors.New("view definition store operation failed")
)

const definitionFileMode = 0o600

// Store is a filesystem-backed repository of view definitions addressed by
// name. Definitions are stored one per file as <dir>/<name>.json.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a view-definition store rooted at dir, creating the
// directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	return &Store{dir: dir, logger: logger}, nil
}

// Load reads a single view definition by name.
func (s *Store) Load(name string) (*ViewDefinition, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrViewDefinitionNotFound, name)
		}

		return nil, fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	var def ViewDefinition

	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: malformed definition %q: %w", ErrViewStoreFailed, name, err)
	}

	return &def, nil
}

// Save validates and persists a definition. When name is empty the
// definition's own name is used.
func (s *Store) Save(def *ViewDefinition, name string) error {
	if name != "" {
		def.Name = name
	}

	if err := def.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	if err := os.WriteFile(s.path(def.Name), data, definitionFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	s.logger.Info("Saved view definition",
		slog.String("view", def.Name),
		slog.String("resource", def.ResourceKind()))

	return nil
}

// Delete removes a definition by name.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrViewDefinitionNotFound, name)
		}

		return fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	s.logger.Info("Deleted view definition", slog.String("view", name))

	return nil
}

// LoadAll returns every stored definition sorted by name. Malformed files are
// skipped with a warning rather than failing the whole listing.
func (s *Store) LoadAll() ([]*ViewDefinition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrViewStoreFailed, err)
	}

	var defs []*ViewDefinition

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".json")

		def, err := s.Load(name)
		if err != nil {
			s.logger.Warn("Skipping unreadable view definition",
				slog.String("file", entry.Name()),
				slog.Any("error", err))

			continue
		}

		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs, nil
}

// SeedBuiltIns saves any built-in definition that is not already present.
// Existing definitions are never overwritten.
func (s *Store) SeedBuiltIns() error {
	for _, def := range BuiltInDefinitions() {
		if _, err := s.Load(def.Name); err == nil {
			continue
		}

		d := def
		if err := s.Save(&d, ""); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) path(name string) string {
	// Names come from API callers; strip any path separators.
	return filepath.Join(s.dir, filepath.Base(name)+".json")
}
