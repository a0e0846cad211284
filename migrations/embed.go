// Package migrations embeds the database schema migrations and the runner
// that applies them. Migrations are embedded at build time so the migrator
// binary and the test helpers need no external file dependencies.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// ErrNoMigrations is returned when the embedded set is empty.
var ErrNoMigrations = errors.New("no embedded migration files found")

// Filename standard: 001_migration_name.up.sql / 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes one parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration filesystem.
func FS() fs.FS {
	return embedded
}

// List returns the embedded migration filenames that conform to the naming
// standard, sorted. Nonconforming names are rejected by Validate, not
// silently skipped here, so the two views stay consistent.
func List() ([]string, error) {
	return list(embedded)
}

func list(filesystem fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded set: filename format, up/down pairing, a
// gapless sequence starting at 001, and readable content. Run before any
// state-changing migration operation.
func Validate() error {
	return validate(embedded)
}

func validate(filesystem fs.FS) error {
	files, err := list(filesystem)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		content, err := fs.ReadFile(filesystem, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		if len(content) == 0 {
			return fmt.Errorf("migration %s is empty", file)
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return validateSequence(sequences)
}

func validateSequence(sequences map[int]bool) error {
	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if len(ordered) == 0 || ordered[0] != 1 {
		return fmt.Errorf("migration sequence must start with 001")
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}

// Parse extracts the sequence, name, and direction from a migration
// filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename: %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// MaxVersion returns the highest embedded migration sequence.
func MaxVersion() int {
	files, err := List()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, file := range files {
		if info, err := Parse(file); err == nil && info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}

// Checksum returns the SHA-256 digest of one embedded migration, for
// integrity reporting.
func Checksum(filename string) (string, error) {
	content, err := fs.ReadFile(embedded, filename)
	if err != nil {
		return "", fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	return fmt.Sprintf("%x", sha256.Sum256(content)), nil
}
