package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPersonsMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_persons.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no persons migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS persons",
		"CREATE TABLE IF NOT EXISTS person_distinct_ids",
		"CONSTRAINT unique_distinct_id_per_team UNIQUE (team_id, distinct_id)",
		"FOREIGN KEY (person_id) REFERENCES persons(id) ON DELETE CASCADE",
		"CREATE TABLE IF NOT EXISTS cohort_people",
		"DROP TABLE IF EXISTS persons",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestElementsMigrationContainsHashConstraint(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_elements.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no elements migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS element_groups",
		"CONSTRAINT unique_element_group_hash UNIQUE (hash)",
		"CREATE TABLE IF NOT EXISTS elements",
		"FOREIGN KEY (group_id) REFERENCES element_groups(id) ON DELETE CASCADE",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}
