package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/fitsync-migrate/internal/local"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

func openLocal(c *cli.Context) (*local.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return local.Open(cfg.Local.Path)
}

func exportLocal(c *cli.Context) error {
	store, err := openLocal(c)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.ExportAll(context.Background())
	if err != nil {
		return err
	}
	outPath := c.String("out")
	data, err := encodeSnapshot(snap, isJSON(outPath))
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	fmt.Printf("Exported %d section(s) and %d record(s) to %s\n", len(snap.Sections), snap.RecordCount(), outPath)
	return nil
}

func importLocal(c *cli.Context) error {
	path := c.String("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data, isJSON(path))
	if err != nil {
		return err
	}

	store, err := openLocal(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ImportAll(context.Background(), snap); err != nil {
		return err
	}
	logging.Info("Imported %d section(s) and %d record(s) from %s", len(snap.Sections), snap.RecordCount(), path)
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// encodeSnapshot renders snap as indented JSON, or as YAML with section
// payloads expanded into mappings.
func encodeSnapshot(snap *profile.Snapshot, asJSON bool) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if asJSON {
		return data, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return out, nil
}

// decodeSnapshot parses a JSON or YAML snapshot and checks every section
// payload against its section type.
func decodeSnapshot(data []byte, asJSON bool) (*profile.Snapshot, error) {
	if !asJSON {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing snapshot: %w", err)
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("parsing snapshot: %w", err)
		}
	}

	var snap profile.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Sections == nil {
		snap.Sections = make(map[profile.Kind]json.RawMessage)
	}
	if snap.Records == nil {
		snap.Records = make(map[profile.RecordKind][]profile.Record)
	}
	for kind, raw := range snap.Sections {
		if _, err := profile.Decode(kind, raw); err != nil {
			return nil, fmt.Errorf("snapshot section %s: %w", kind, err)
		}
	}
	return &snap, nil
}
