package migrate

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/surveymill/conveyor/fault"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Embedded returns the migration units shipped with conveyor.
func Embedded() fs.FS {
	var sub, err = fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err) // Unreachable: the subdirectory is embedded above.
	}
	return sub
}

// Unit is one discovered migration, named Vxxx__description.sql.
// Units are never rewritten; corrections ship as new higher-numbered
// units.
type Unit struct {
	// Version is the zero-padded version component, e.g. "V001".
	Version string
	// Description is the humanized description component.
	Description string
	// Checksum is the hex SHA-256 of the unit's SQL content.
	Checksum string
	// SQL is the unit's content.
	SQL string
}

var unitNameRe = regexp.MustCompile(`^(V\d+)__([A-Za-z0-9_]+)\.sql$`)

// LoadUnits discovers migration units within |fsys|, ordered
// lexicographically on their version component.
func LoadUnits(fsys fs.FS) ([]Unit, error) {
	var entries, err = fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "reading migration units")
	}

	var units []Unit
	var seen = make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		var match = unitNameRe.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("migration unit %q is not named Vxxx__description.sql: %w",
				entry.Name(), fault.ErrMigrationFailed)
		}
		var version = match[1]
		if prior, ok := seen[version]; ok {
			return nil, fmt.Errorf("migration version %s appears in both %q and %q: %w",
				version, prior, entry.Name(), fault.ErrMigrationFailed)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "reading migration unit %q", entry.Name())
		}
		var sum = sha256.Sum256(content)

		units = append(units, Unit{
			Version:     version,
			Description: strings.ReplaceAll(match[2], "_", " "),
			Checksum:    hex.EncodeToString(sum[:]),
			SQL:         string(content),
		})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Version < units[j].Version })
	return units, nil
}

// splitStatements breaks a unit's SQL into its individual statements so
// each can be executed within the unit's transaction. Units must not
// embed semicolons inside string literals.
func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt+";")
		}
	}
	return out
}
