// Package migrate applies sequential schema migrations to on-disk data,
// upgrading from one version to the next. Each on-disk format owns a
// [Registry]; see [Config] and [Status].
package migrate

import (
	"fmt"
	"log/slog"
	"slices"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration upgrades data from Version-1 to Version.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade transforms the data.
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the current version and the migrations of one format.
type Registry struct {
	// CurrentVersion is the version data is migrated to.
	CurrentVersion int
	// Migrations is exported so tests can substitute their own list.
	Migrations []Migration
}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Register adds m. It panics on a duplicate version.
func (r *Registry) Register(m Migration) {
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate migration version %d (%q)", m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
}

// NeedsMigration reports whether data at fileVersion would change.
func (r *Registry) NeedsMigration(fileVersion int) bool {
	if fileVersion != r.CurrentVersion {
		return true
	}
	for _, m := range r.Migrations {
		if fileVersion < m.Version {
			return true
		}
	}
	return false
}

// Run applies every migration newer than fromVersion in version order. It
// returns the transformed data and the version reached. On error the version
// is that of the last successful step.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	sorted := slices.Clone(r.Migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	version := fromVersion
	for _, m := range sorted {
		if m.Version <= version {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		out, err := m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		data, version = out, m.Version
	}
	return data, version, nil
}

// ///////////////////////////////////////////////
// Registries
// ///////////////////////////////////////////////

// Config is the registry for config.toml.
var Config = &Registry{CurrentVersion: 2}

// Status is the registry for status.json. Readers compare the document's
// version field against it.
var Status = &Registry{CurrentVersion: 1}

func init() {
	Config.Register(Migration{
		Version:     2,
		Description: "rename session.terminals to session.console_terminals",
		Upgrade:     renameSessionTerminals,
	})
}
