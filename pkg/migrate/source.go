package migrate

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Migration is one schema version with its forward and reverse scripts.
type Migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// Source names an embedded migration directory.
type Source struct {
	Files fs.FS
	Dir   string
}

// parseFileName splits "<version>_<name>.<up|down>.sql". Other names are not
// migrations and report ok false.
func parseFileName(file string) (version int64, name, direction string, ok bool) {
	base, found := strings.CutSuffix(file, ".sql")
	if !found {
		return 0, "", "", false
	}
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 {
		return 0, "", "", false
	}
	base, direction = base[:dot], base[dot+1:]
	if direction != "up" && direction != "down" {
		return 0, "", "", false
	}
	digits, name, found := strings.Cut(base, "_")
	if !found || name == "" {
		return 0, "", "", false
	}
	version, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", false
	}
	return version, name, direction, true
}

// Load reads the migrations of src ordered by version. Every version needs an
// up script; down scripts are optional.
func Load(src Source) ([]Migration, error) {
	if src.Files == nil {
		return nil, fmt.Errorf("migration files are required")
	}
	if strings.TrimSpace(src.Dir) == "" {
		return nil, fmt.Errorf("migration directory is required")
	}
	entries, err := fs.ReadDir(src.Files, src.Dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory %s: %w", src.Dir, err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(src.Files, path.Join(src.Dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if direction == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %d_%s has no up script", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
