// Package backlog reads ticket backlogs from YAML files.
package backlog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/smithers/internal/models"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal backlog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("backlog.json", doc); err != nil {
			schemaErr = fmt.Errorf("add backlog schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("backlog.json")
	})
	return schema, schemaErr
}

type file struct {
	Tickets []models.Ticket `yaml:"tickets"`
}

// Parse reads a backlog file, checks it against the backlog schema and
// returns its tickets in file order.
func Parse(path string) ([]models.Ticket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog: %w", err)
	}
	return ParseBytes(data)
}

func ParseBytes(data []byte) ([]models.Ticket, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse backlog YAML: %w", err)
	}
	if err := validateDocument(raw); err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode backlog: %w", err)
	}
	applyDefaultPriority(raw, f.Tickets)
	if err := Validate(f.Tickets); err != nil {
		return nil, err
	}
	return f.Tickets, nil
}

// applyDefaultPriority fills in the priority of entries that omit the key.
// An explicit 0 is kept.
func applyDefaultPriority(raw any, tickets []models.Ticket) {
	doc, _ := raw.(map[string]any)
	entries, _ := doc["tickets"].([]any)
	for i := range tickets {
		if i >= len(entries) {
			return
		}
		entry, _ := entries[i].(map[string]any)
		if _, set := entry["priority"]; !set {
			tickets[i].Priority = models.DefaultTicketPriority
		}
	}
}

func validateDocument(raw any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so numbers arrive as json.Number.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("backlog is not representable as JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to re-read backlog: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid backlog: %w", err)
	}
	return nil
}

// Validate checks cross-ticket rules the schema cannot express: unique
// ids and an acyclic dependency graph. Dependencies on unknown ids are
// allowed; such tickets simply never become eligible.
func Validate(tickets []models.Ticket) error {
	byID := make(map[string]*models.Ticket, len(tickets))
	for i := range tickets {
		t := &tickets[i]
		if t.ID == "" {
			return fmt.Errorf("ticket %d: id is required", i)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate ticket id %q", t.ID)
		}
		if t.Status != "" && !t.Status.Valid() {
			return fmt.Errorf("ticket %s: invalid status %q", t.ID, t.Status)
		}
		byID[t.ID] = t
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(tickets))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch marks[id] {
		case visiting:
			return fmt.Errorf("dependency cycle: %s", strings.Join(append(path, id), " -> "))
		case visited:
			return nil
		}
		t, ok := byID[id]
		if !ok {
			return nil
		}
		marks[id] = visiting
		for _, dep := range t.Dependencies {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		marks[id] = visited
		return nil
	}
	for i := range tickets {
		if err := visit(tickets[i].ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll reads every .yaml/.yml backlog in dirs, in directory then file
// name order. Missing directories are skipped.
func LoadAll(dirs []string) ([]models.Ticket, error) {
	var all []models.Ticket
	for _, dir := range dirs {
		tickets, err := loadFromDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		all = append(all, tickets...)
	}
	if err := Validate(all); err != nil {
		return nil, err
	}
	return all, nil
}

func loadFromDir(dir string) ([]models.Ticket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.Ticket
	for _, name := range names {
		path := filepath.Join(dir, name)
		tickets, err := Parse(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		out = append(out, tickets...)
	}
	return out, nil
}
