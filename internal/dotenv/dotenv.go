// Package dotenv reads KEY=VALUE files so credentials can live next to the
// binary instead of in the shell profile.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is one assignment from a dotenv file.
type Entry struct {
	Key   string
	Value string
	Line  int
}

// Parse returns the assignments in r in file order. Blank lines, comments,
// and lines without '=' are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimPrefix(line, "export ")
		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}

		val, err := parseValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, Entry{Key: key, Value: val, Line: lineNo})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseValue(val string) (string, error) {
	if val == "" {
		return "", nil
	}
	switch quote := val[0]; quote {
	case '"', '\'':
		end := strings.LastIndexByte(val, quote)
		if end == 0 {
			return "", fmt.Errorf("unterminated %c quote", quote)
		}
		inner := val[1:end]
		if quote == '"' {
			inner = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(inner)
		}
		return inner, nil
	}
	// Unquoted values end at " #".
	if idx := strings.Index(val, " #"); idx >= 0 {
		val = strings.TrimSpace(val[:idx])
	}
	return val, nil
}

// LoadFile loads a dotenv-style file into the process environment.
// Existing environment variables are preserved. A missing file is not an
// error.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	entries, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}
	for _, e := range entries {
		if _, exists := os.LookupEnv(e.Key); exists {
			continue
		}
		if err := os.Setenv(e.Key, e.Value); err != nil {
			return fmt.Errorf("set env %q from %q: %w", e.Key, path, err)
		}
	}
	return nil
}
