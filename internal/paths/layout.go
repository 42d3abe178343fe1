// Package paths maps storage categories to directories on disk. A
// single [Layout] is built from configuration at startup and handed to
// every component that persists records, so no package keeps its own
// notion of where things live.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Category names a storage area.
type Category string

const (
	Active    Category = "active"    // per-user active chat sets
	Permanent Category = "permanent" // uncapped per-user archive
	Archived  Category = "archived"  // raw buffer, capped
	Deleted   Category = "deleted"   // raw buffer, capped
	Annotated Category = "annotated" // annotation results, capped
	Errors    Category = "errors"    // error records, capped
	Training  Category = "training"  // training pairs, uncapped
)

// defaultDirs is the directory name used under the root when no
// override is configured.
var defaultDirs = map[Category]string{
	Active:    "activeChats",
	Permanent: "userArchives",
	Archived:  filepath.Join("buffer", "archived"),
	Deleted:   filepath.Join("buffer", "deleted"),
	Annotated: filepath.Join("buffer", "annotated"),
	Errors:    filepath.Join("buffer", "errors"),
	Training:  "trainingConversations",
}

// Layout resolves categories to absolute-or-root-relative directories.
type Layout struct {
	root string
	dirs map[Category]string
}

// New creates a Layout rooted at root. Overrides replace the default
// directory for a category; relative overrides are joined to root and
// a leading ~ is expanded.
func New(root string, overrides map[string]string) *Layout {
	root = expandHome(root)
	l := &Layout{root: root, dirs: make(map[Category]string, len(defaultDirs))}
	for c, d := range defaultDirs {
		l.dirs[c] = filepath.Join(root, d)
	}
	for name, dir := range overrides {
		if dir == "" {
			continue
		}
		dir = expandHome(dir)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		l.dirs[Category(name)] = dir
	}
	return l
}

// Root returns the data root directory.
func (l *Layout) Root() string {
	return l.root
}

// Dir returns the directory for a category. Unknown categories resolve
// to a same-named directory under the root.
func (l *Layout) Dir(c Category) string {
	if d, ok := l.dirs[c]; ok {
		return d
	}
	return filepath.Join(l.root, string(c))
}

// Categories returns every known category sorted by name.
func (l *Layout) Categories() []Category {
	out := make([]Category, 0, len(l.dirs))
	for c := range l.dirs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sanitize makes s safe to use as a single path element. Anything
// outside [A-Za-z0-9._-] becomes an underscore and the result is
// capped at 80 bytes. An empty result becomes "unnamed".
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 80 {
			break
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
