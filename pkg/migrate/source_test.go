package migrate

import (
	"testing"
	"testing/fstest"
)

func TestParseFileName(t *testing.T) {
	tests := []struct {
		file    string
		version int64
		name    string
		dir     string
		ok      bool
	}{
		{file: "001_jobs.up.sql", version: 1, name: "jobs", dir: "up", ok: true},
		{file: "0002_timer_name.down.sql", version: 2, name: "timer_name", dir: "down", ok: true},
		{file: "003_add-index.up.sql", version: 3, name: "add-index", dir: "up", ok: true},
		{file: "abc_jobs.up.sql"},
		{file: "001_jobs.sideways.sql"},
		{file: "001_jobs.up.txt"},
		{file: "001.up.sql"},
		{file: "README.md"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, dir, ok := parseFileName(tt.file)
			if ok != tt.ok || version != tt.version || name != tt.name || dir != tt.dir {
				t.Fatalf("parseFileName(%q) = %d %q %q %v", tt.file, version, name, dir, ok)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	src := Source{Dir: "migrations", Files: fstest.MapFS{
		"migrations/002_add.up.sql":    {Data: []byte("ALTER TABLE jobs ADD COLUMN name TEXT")},
		"migrations/001_init.up.sql":   {Data: []byte("CREATE TABLE jobs")},
		"migrations/001_init.down.sql": {Data: []byte("DROP TABLE jobs")},
		"migrations/notes.txt":         {Data: []byte("ignored")},
	}}
	migrations, err := Load(src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
	if migrations[0].Down != "DROP TABLE jobs" || migrations[1].Down != "" {
		t.Fatalf("down scripts not paired: %+v", migrations)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{"nil files", Source{Dir: "migrations"}},
		{"empty dir", Source{Files: fstest.MapFS{}}},
		{"missing dir", Source{Files: fstest.MapFS{}, Dir: "nonexistent"}},
		{"down without up", Source{Dir: "m", Files: fstest.MapFS{"m/001_init.down.sql": {Data: []byte("DROP TABLE jobs")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.src); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
