package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// definitionFile mirrors the YAML schema for one process type:
//
//	type: SubmitPayment
//	maxRetriesPerStep: 2
//	steps:
//	  - name: BookLimits
//	    compensation: ReleaseLimits
//	    next: CreateTransaction
//	  - name: CreateTransaction
//	    compensation: ReverseTransaction
//	    next: CreatePayment
//	  - name: CreatePayment
//
// A step without next, when or parallel is terminal. Conditionals compare
// one data key against a literal; equals defaults to true so flag checks
// stay short.
type definitionFile struct {
	Type              string           `yaml:"type"`
	MaxRetriesPerStep int              `yaml:"maxRetriesPerStep"`
	Steps             []stepDefinition `yaml:"steps"`
}

type stepDefinition struct {
	Name         string              `yaml:"name"`
	Compensation string              `yaml:"compensation"`
	Next         string              `yaml:"next"`
	When         *whenDefinition     `yaml:"when"`
	Parallel     *parallelDefinition `yaml:"parallel"`
}

type whenDefinition struct {
	Key    string `yaml:"key"`
	Equals any    `yaml:"equals"`
	Then   string `yaml:"then"`
	Else   string `yaml:"else"`
}

type parallelDefinition struct {
	Branches []string `yaml:"branches"`
	Join     string   `yaml:"join"`
}

// LoadDirectory registers every *.yaml and *.yml definition found in dir and
// returns how many it registered. Files load in name order so a broken
// definition is reported deterministically.
func LoadDirectory(registry *Registry, dir string) (int, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("op=process.load_dir: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	for _, file := range files {
		if err := LoadFile(registry, file); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// LoadFile parses one YAML definition through the graph builder and
// registers it.
func LoadFile(registry *Registry, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=process.load_file: %w", err)
	}
	var def definitionFile
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("op=process.load_file: %s: %w", path, err)
	}
	cfg, err := buildDefinition(def)
	if err != nil {
		return fmt.Errorf("op=process.load_file: %s: %w", path, err)
	}
	if err := registry.Register(cfg); err != nil {
		return fmt.Errorf("op=process.load_file: %s: %w", path, err)
	}
	return nil
}

func buildDefinition(def definitionFile) (Configuration, error) {
	if def.Type == "" {
		return Configuration{}, fmt.Errorf("definition without type: %w", domain.ErrInvalidProcessGraph)
	}
	b := NewBuilder()
	for _, sd := range def.Steps {
		sb := b.Step(sd.Name)
		if sd.Compensation != "" {
			sb.Compensation(sd.Compensation)
		}
		switch {
		case sd.Parallel != nil:
			sb.Parallel(sd.Parallel.Branches, sd.Parallel.Join)
		case sd.When != nil:
			sb.When(equalsPredicate(sd.When.Key, sd.When.Equals), sd.When.Then, sd.When.Else)
		case sd.Next != "":
			sb.Then(sd.Next)
		default:
			sb.Terminal()
		}
	}
	graph, err := b.Build()
	if err != nil {
		return Configuration{}, err
	}
	return Configuration{
		Type:              def.Type,
		Graph:             graph,
		MaxRetriesPerStep: def.MaxRetriesPerStep,
	}, nil
}

// equalsPredicate compares one data key against a literal. Values are
// compared by their printed form, which makes YAML integers and JSON float64
// numbers agree.
func equalsPredicate(key string, want any) Predicate {
	if want == nil {
		want = true
	}
	return func(data map[string]any) bool {
		got, ok := data[key]
		if !ok {
			return false
		}
		return fmt.Sprint(got) == fmt.Sprint(want)
	}
}
