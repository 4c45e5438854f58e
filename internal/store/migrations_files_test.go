package store

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	for name, fsys := range map[string]fs.FS{
		"disk":     MigrationsFS(filepath.Join("..", "..", "db", "migrations")),
		"embedded": MigrationsFS(""),
	} {
		t.Run(name, func(t *testing.T) {
			entries, err := fs.ReadDir(fsys, ".")
			if err != nil {
				t.Fatalf("read migrations dir: %v", err)
			}

			pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
			byVersion := map[string]map[string]bool{}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				match := pattern.FindStringSubmatch(entry.Name())
				if match == nil {
					continue
				}
				version, direction := match[1], match[2]
				if byVersion[version] == nil {
					byVersion[version] = map[string]bool{}
				}
				if byVersion[version][direction] {
					t.Fatalf("duplicate %s migration file for version %s", direction, version)
				}
				byVersion[version][direction] = true
			}

			if len(byVersion) == 0 {
				t.Fatal("no migrations discovered")
			}
			for version, dirs := range byVersion {
				if !dirs["up"] || !dirs["down"] {
					t.Fatalf("version %s must include both up and down files", version)
				}
			}
		})
	}
}

func TestUpMigrationsAreOrdered(t *testing.T) {
	versions, err := upMigrations(MigrationsFS(""))
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(versions) == 0 || versions[0] != "0001_plan_documents.up.sql" {
		t.Fatalf("upMigrations() = %v", versions)
	}
}
