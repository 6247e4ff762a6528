package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/seqcommit/internal/config"
	"github.com/roach88/seqcommit/internal/window"
)

// entriesFile is the on-disk shape of an entries file. JSON files parse as
// YAML.
type entriesFile struct {
	Entries []window.Entry `yaml:"entries"`
}

// LoadEntries reads a YAML or JSON entries file:
//
//	entries:
//	  - {path: a.txt, cost: 3, bytes: 120}
//	  - {path: b.txt, order_index: 0}
func LoadEntries(path string) ([]window.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}

	var f entriesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse entries %s: %w", path, err)
	}
	return f.Entries, nil
}

// loadConfig loads path, or returns the zero config when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}
