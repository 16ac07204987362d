package migrate

import (
	"slices"
	"strings"
	"testing"
)

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_initial_schema.sql", 1, "initial_schema", false},
		{"002_daemon_status_function.sql", 2, "daemon_status_function", false},
		{"100_future_migration.sql", 100, "future_migration", false},
		{"001_name_with_underscores.sql", 1, "name_with_underscores", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"001.sql", 0, "", true},
		{"000_zero.sql", 0, "", true},
		{"001_.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFilename(tt.filename)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s, got nil", tt.filename)
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error for %s: %v", tt.filename, err)
				return
			}

			if version != tt.wantVersion {
				t.Errorf("version: got %d, want %d", version, tt.wantVersion)
			}
			if name != tt.wantName {
				t.Errorf("name: got %s, want %s", name, tt.wantName)
			}
		})
	}
}

func TestGetAvailableMigrations(t *testing.T) {
	migrations, err := availableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migrations) == 0 {
		t.Fatal("expected at least one migration, got none")
	}

	// Verify they're sorted by version
	for i := 1; i < len(migrations); i++ {
		if migrations[i].version <= migrations[i-1].version {
			t.Errorf("migrations not sorted: %d comes after %d",
				migrations[i].version, migrations[i-1].version)
		}
	}

	// Verify first migration is 001
	if migrations[0].version != 1 {
		t.Errorf("first migration version: got %d, want 1", migrations[0].version)
	}

	for _, m := range migrations {
		if m.down == "" {
			t.Errorf("migration %s has no down section", m.label())
		}
		if strings.Contains(m.up, "DROP TABLE") {
			t.Errorf("migration %s up section drops a table", m.label())
		}
	}
}

func TestMigrationFilesAreEmbedded(t *testing.T) {
	// Verify that the embed directive is working
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("failed to read embedded migrations: %v", err)
	}

	if len(entries) == 0 {
		t.Fatal("no migration files embedded")
	}

	// Count SQL files
	sqlCount := 0
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 {
			sqlCount++
		}
	}

	if sqlCount == 0 {
		t.Fatal("no SQL files found in embedded migrations")
	}

	t.Logf("found %d embedded migration files", sqlCount)
}

func TestInitialSchemaTables(t *testing.T) {
	migrations, err := availableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var initial string
	for _, m := range migrations {
		if m.version == 1 {
			initial = m.up
		}
	}

	for _, table := range []string{"daemons", "discovery_sessions", "subnets", "hosts", "services"} {
		if !strings.Contains(initial, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("001 does not create table %s", table)
		}
	}
}

func TestDaemonStatusFunctionExists(t *testing.T) {
	migrations, err := availableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, m := range migrations {
		if m.version == 2 && m.name == "daemon_status_function" {
			found = true
			if !strings.Contains(m.up, "CREATE OR REPLACE FUNCTION get_daemon_status") {
				t.Error("migration 002 doesn't contain get_daemon_status function")
			}
			break
		}
	}

	if !found {
		t.Error("migration 002_daemon_status_function.sql not found")
	}
}

func TestParseMigration(t *testing.T) {
	content := "CREATE TABLE a (id INT);\n\n-- migrate:down\n\nDROP TABLE a;\n"
	mig := parseMigration(3, "add_a", content)
	if !strings.Contains(mig.up, "CREATE TABLE a") || strings.Contains(mig.up, "DROP") {
		t.Errorf("up = %q", mig.up)
	}
	if mig.down != "DROP TABLE a;" {
		t.Errorf("down = %q", mig.down)
	}
	if len(mig.checksum) != 64 {
		t.Errorf("checksum = %q", mig.checksum)
	}

	// Editing only the down section keeps the checksum.
	edited := parseMigration(3, "add_a", "CREATE TABLE a (id INT);\n\n-- migrate:down\nDROP TABLE IF EXISTS a;\n")
	if edited.checksum != mig.checksum {
		t.Error("checksum should cover the up section only")
	}

	noDown := parseMigration(4, "plain", "SELECT 1;")
	if noDown.down != "" || noDown.up != "SELECT 1;" {
		t.Errorf("plain migration = %+v", noDown)
	}
}

func TestPlan(t *testing.T) {
	one := parseMigration(1, "one", "SELECT 1;")
	two := parseMigration(2, "two", "SELECT 2;")
	three := parseMigration(3, "three", "SELECT 3;")
	available := []migration{one, two, three}

	tests := []struct {
		name        string
		applied     []Record
		wantPending []int
		wantDrifted []string
	}{
		{"fresh database", nil, []int{1, 2, 3}, nil},
		{"partially applied", []Record{{Version: 1, Checksum: one.checksum}}, []int{2, 3}, nil},
		{"gap is filled", []Record{{Version: 1}, {Version: 3}}, []int{2}, nil},
		{"up to date", []Record{{Version: 1}, {Version: 2}, {Version: 3}}, nil, nil},
		{"drifted file", []Record{{Version: 1, Checksum: "stale"}, {Version: 2}, {Version: 3}}, nil, []string{"001_one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			todo, drifted := plan(tt.applied, available)
			var versions []int
			for _, m := range todo {
				versions = append(versions, m.version)
			}
			if !slices.Equal(versions, tt.wantPending) {
				t.Errorf("pending = %v, want %v", versions, tt.wantPending)
			}
			if !slices.Equal(drifted, tt.wantDrifted) {
				t.Errorf("drifted = %v, want %v", drifted, tt.wantDrifted)
			}
		})
	}
}
