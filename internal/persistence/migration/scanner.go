package migration

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// fileNamePattern matches {version}_{description}.sql.
var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.sql$`)

// FSScanner reads migrations from a directory of an fs.FS.
type FSScanner struct {
	fsys fs.FS
	dir  string
}

// NewFSScanner scans dir inside fsys.
func NewFSScanner(fsys fs.FS, dir string) *FSScanner {
	if dir == "" {
		dir = "."
	}
	return &FSScanner{fsys: fsys, dir: dir}
}

// ScanMigrations returns every migration sorted by numeric version.
func (s *FSScanner) ScanMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(s.fsys, s.dir)
	if err != nil {
		return nil, NewMigrationError("", s.dir, "read directory", err)
	}

	var migrations []Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		m, err := s.parse(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version]; ok {
			return nil, NewMigrationError(m.Version, entry.Name(), "check duplicates",
				fmt.Errorf("%w: version %s found in both %s and %s", ErrDuplicateVersion, m.Version, prev, entry.Name()))
		}
		seen[m.Version] = entry.Name()
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		vi, _ := strconv.Atoi(migrations[i].Version)
		vj, _ := strconv.Atoi(migrations[j].Version)
		return vi < vj
	})
	return migrations, nil
}

func (s *FSScanner) parse(name string) (Migration, error) {
	matches := fileNamePattern.FindStringSubmatch(name)
	if matches == nil {
		return Migration{}, NewMigrationError("", name, "validate filename",
			fmt.Errorf("%w: filename %q does not match {version}_{description}.sql", ErrInvalidMigrationFile, name))
	}
	version, fileDesc := matches[1], matches[2]
	filePath := path.Join(s.dir, name)

	raw, err := fs.ReadFile(s.fsys, filePath)
	if err != nil {
		return Migration{}, NewMigrationError(version, filePath, "read file", err)
	}
	content := string(raw)
	if len(SplitStatements(content)) == 0 {
		return Migration{}, NewMigrationError(version, filePath, "validate content",
			fmt.Errorf("%w: no SQL statements", ErrInvalidMigrationFile))
	}

	desc := descriptionFromContent(content)
	if desc == "" {
		desc = strings.ReplaceAll(fileDesc, "_", " ")
	}
	return Migration{
		Version:     version,
		Description: desc,
		SQL:         content,
		FilePath:    filePath,
		Checksum:    fmt.Sprintf("%x", sha256.Sum256(raw)),
	}, nil
}

// descriptionFromContent reads a leading "-- Description: ..." comment.
func descriptionFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if d, ok := strings.CutPrefix(line, "-- Description:"); ok {
			return strings.TrimSpace(d)
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
	}
	return ""
}

// SplitStatements splits a script on top-level semicolons. It keeps
// semicolons inside quoted strings, line comments, dollar-quoted bodies and
// CREATE TRIGGER ... BEGIN ... END blocks.
func SplitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		dollar  string
	)
	flush := func() {
		stmt := strings.TrimSpace(stripComments(cur.String()))
		if stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				cur.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case inQuote:
			if c == '\'' {
				inQuote = false
			}
		case c == '\'':
			inQuote = true
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			cur.WriteString(script[i : i+end])
			i += end - 1
			continue
		case c == '$':
			if tag := dollarTag(script[i:]); tag != "" {
				dollar = tag
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			if inTriggerBody(cur.String()) {
				break
			}
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

func dollarTag(s string) string {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return ""
	}
	tag := s[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return tag
}

// inTriggerBody reports whether stmt is a trigger whose BEGIN has not been
// closed by END yet.
func inTriggerBody(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stripComments(stmt)))
	if !strings.HasPrefix(upper, "CREATE TRIGGER") && !strings.HasPrefix(upper, "CREATE TEMP TRIGGER") {
		return false
	}
	fields := strings.Fields(upper)
	if !containsWord(fields, "BEGIN") {
		return false
	}
	return fields[len(fields)-1] != "END"
}

func containsWord(fields []string, w string) bool {
	for _, f := range fields {
		if f == w {
			return true
		}
	}
	return false
}

func stripComments(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}
