// Package eventdb loads the per-microarchitecture general-purpose counter
// event tables, keyed by family/model. The engine's DefaultEvents mode
// does not select events from these tables: it programs the fixed
// counters only. The identification tables for specific CPU model
// numbers are explicitly out of scope for this module (spec.md §1) — they
// are opaque data this package loads, not logic it implements.
package eventdb

import (
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/opcm/opcmd/pkg/errors"
)

// Event is one general-purpose counter's programming: the raw event
// select, unit mask, and the modifier bits spec.md §4.4 step 3 lists
// (edge, invert, cmask, enable are folded into the daemon's own control
// register assembly — this table only carries the architectural event
// identity).
type Event struct {
	Name   string `yaml:"name"`
	Event  uint8  `yaml:"event"`
	UMask  uint8  `yaml:"umask"`
	Edge   bool   `yaml:"edge"`
	Invert bool   `yaml:"invert"`
	CMask  uint8  `yaml:"cmask"`
}

// Microarchitecture is one model's complete default event selection:
// exactly as many entries as the core PMU has general-purpose counters on
// that model (spec.md §4.4: "up to four general-purpose counters").
type Microarchitecture struct {
	Name          string  `yaml:"name"`
	FamilyModel   []string `yaml:"family_model"` // "family/model" or "family/model/stepping" strings
	GeneralEvents []Event `yaml:"general_events"`
}

// DB is a loaded set of microarchitecture event tables, indexed by the
// family/model key used to look one up for a detected processor.
type DB struct {
	byKey map[string]*Microarchitecture
}

type file struct {
	Microarchitectures []Microarchitecture `yaml:"microarchitectures"`
}

// Load reads every *.yaml file directly under dir (no recursion) and
// merges their microarchitecture tables into one DB.
func Load(dirFS fs.FS, dir string) (*DB, error) {
	entries, err := fs.ReadDir(dirFS, dir)
	if err != nil {
		return nil, errors.Configuration("read event db dir: " + err.Error())
	}

	db := &DB{byKey: map[string]*Microarchitecture{}}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) < 5 || name[len(name)-5:] != ".yaml" {
			continue
		}
		raw, err := fs.ReadFile(dirFS, dir+"/"+name)
		if err != nil {
			return nil, errors.Configuration("read " + name + ": " + err.Error())
		}
		var f file
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, errors.Configuration("parse " + name + ": " + err.Error())
		}
		for i := range f.Microarchitectures {
			m := &f.Microarchitectures[i]
			for _, key := range m.FamilyModel {
				db.byKey[key] = m
			}
		}
	}
	return db, nil
}

// Lookup returns the Microarchitecture registered for family/model
// ("6/143" for an Intel family 6 model 0x8F part, for example).
func (db *DB) Lookup(family, model int) (*Microarchitecture, bool) {
	key := fmt.Sprintf("%d/%d", family, model)
	m, ok := db.byKey[key]
	return m, ok
}
