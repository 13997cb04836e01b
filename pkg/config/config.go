package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed machine file. Sections and options keep their file
// order and every lookup is tracked so unknown keys can be reported.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a machine file. [include path] headers pull in other files
// relative to the including file; glob patterns are expanded in order.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.loadFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a machine file held in memory. Includes are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer delete(visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse consumes one file. dir and visited are nil for in-memory input.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var (
		section string
		options map[string]string
		lineNum int
	)
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return ErrSyntax(name, lineNum, "empty section header")
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				if err := c.include(strings.TrimSpace(spec), name, lineNum, dir, visited); err != nil {
					return err
				}
				continue
			}
			section = strings.ToLower(header)
			options = make(map[string]string)
			continue
		}
		if section == "" {
			return ErrSyntax(name, lineNum, "option outside of a section")
		}

		key, value, ok := splitOption(line)
		if !ok {
			return ErrSyntax(name, lineNum, fmt.Sprintf("cannot parse %q", line))
		}
		options[key] = value
	}
	flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (c *Config) include(spec, name string, lineNum int, dir string, visited map[string]bool) error {
	if visited == nil {
		return ErrSyntax(name, lineNum, "include is not allowed here")
	}
	if spec == "" {
		return ErrSyntax(name, lineNum, "empty include")
	}
	pattern := filepath.Join(dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.loadFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// splitOption accepts "key: value" and "key = value", whichever separator
// comes first.
func splitOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

// addSection adds or merges a section; later values win.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[k] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// Section returns the named section or a CONFIG_SECTION error.
func (c *Config) Section(name string) (*Section, error) {
	if s := c.SectionOptional(name); s != nil {
		return s, nil
	}
	return nil, ErrMissingSection(name)
}

// SectionOptional returns the named section or nil.
func (c *Config) SectionOptional(name string) *Section {
	name = strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sections[name]
	if !ok {
		return nil
	}
	c.accessed[name] = struct{}{}
	return s
}

// SectionNames returns every section name in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// PrefixSections returns the sections whose name starts with prefix.
func (c *Config) PrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessed[name] = struct{}{}
			out = append(out, c.sections[name])
		}
	}
	return out
}

// CheckUnused reports sections and options nobody read.
func (c *Config) CheckUnused() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	for _, name := range c.order {
		if _, ok := c.accessed[name]; !ok {
			problems = append(problems, fmt.Sprintf("[%s]: unknown section", name))
			continue
		}
		if unused := c.sections[name].UnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unknown options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		return ErrValidation("", "", strings.Join(problems, "; "))
	}
	return nil
}
