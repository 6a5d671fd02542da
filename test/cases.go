package test

import (
	"embed"
	"io/fs"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed cases
var casesFS embed.FS

// TestCase is a scenario of edits on several replicas of one document.
type TestCase struct {
	// Description is a simple description for the test case.
	Description string `yaml:"description"`
	// Replicas names the replicas. The actor id of a replica is the hex
	// encoding of its name, so later names win conflicts.
	Replicas []string `yaml:"replicas"`
	// Steps are run in order.
	Steps []Step `yaml:"steps"`
	// Expect is the document every replica must materialize to at the end.
	Expect any `yaml:"expect"`
}

// Step is a single action of a test case. Exactly one action field is set.
type Step struct {
	// Replica is the replica an edit or expectation applies to.
	Replica string `yaml:"replica"`

	Set        *SetAction    `yaml:"set"`
	Delete     string        `yaml:"delete"`
	Insert     *InsertAction `yaml:"insert"`
	InsertText *InsertAction `yaml:"insertText"`
	Increment  *IncAction    `yaml:"increment"`

	// Sync runs the sync protocol between two replicas until both are idle.
	Sync []string `yaml:"sync"`
	// Merge applies every change of one replica to another.
	Merge *TransferAction `yaml:"merge"`
	// Archive moves the history of one replica to another as a CAR.
	Archive *TransferAction `yaml:"archive"`

	// Expect is the document Replica must materialize to after this step.
	Expect any `yaml:"expect"`
}

type SetAction struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
	// Type is "text" or "counter" to create the corresponding datatype.
	Type string `yaml:"type"`
}

type InsertAction struct {
	Path   string `yaml:"path"`
	Index  int    `yaml:"index"`
	Values []any  `yaml:"values"`
	Text   string `yaml:"text"`
}

type IncAction struct {
	Path  string `yaml:"path"`
	Delta int64  `yaml:"delta"`
}

type TransferAction struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// TestCasePaths returns a list of all test case file paths.
func TestCasePaths() (paths []string, _ error) {
	return paths, fs.WalkDir(casesFS, "cases", func(path string, d fs.DirEntry, err error) error {
		if filepath.Ext(path) == ".yaml" {
			paths = append(paths, path)
		}
		return err
	})
}

// LoadTestCase loads and parses a test case file.
func LoadTestCase(path string) (*TestCase, error) {
	data, err := fs.ReadFile(casesFS, path)
	if err != nil {
		return nil, err
	}
	var testCase TestCase
	if err := yaml.Unmarshal(data, &testCase); err != nil {
		return nil, err
	}
	return &testCase, nil
}
