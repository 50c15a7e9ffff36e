// ABOUTME: Anonymization script model: ordered per-tag operations, read-only built-ins, and a YAML store.
// ABOUTME: Custom scripts persist in the scripts directory; built-in names cannot be saved over or deleted.
package anon

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script names become filenames in the store, so separators and dot
// sequences are refused outright.
var validScriptName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Recognized operation actions.
const (
	ActionRemove      = "remove"
	ActionKeep        = "keep"
	ActionEmpty       = "empty"
	ActionReplace     = "replace"
	ActionHash        = "hash"
	ActionGenerateUID = "generate_uid"
	ActionShiftDate   = "shift_date"
	ActionRewritePSS  = "project_subject_session_rewrite"
	ActionAlterPixels = "alter_pixels"
)

var validActions = map[string]bool{
	ActionRemove: true, ActionKeep: true, ActionEmpty: true, ActionReplace: true,
	ActionHash: true, ActionGenerateUID: true, ActionShiftDate: true,
	ActionRewritePSS: true, ActionAlterPixels: true,
}

// Region is a pixel rectangle for alter_pixels redaction.
type Region struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

// Operation is one step of a script. Tag is a DICOM keyword (or "GGGG,EEEE");
// Value feeds replace; Region feeds alter_pixels.
type Operation struct {
	Action string  `yaml:"action" json:"action"`
	Tag    string  `yaml:"tag,omitempty" json:"tag,omitempty"`
	Value  string  `yaml:"value,omitempty" json:"value,omitempty"`
	Region *Region `yaml:"region,omitempty" json:"region,omitempty"`
}

// Script is an ordered anonymization recipe.
type Script struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	BuiltIn     bool        `yaml:"-" json:"built_in"`
	Operations  []Operation `yaml:"operations" json:"operations"`
}

// Validate checks action names and operation shape.
func (s *Script) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("script has no name")
	}
	if !validScriptName.MatchString(s.Name) {
		return fmt.Errorf("script name %q: only letters, digits, '_' and '-' are allowed", s.Name)
	}
	for i, op := range s.Operations {
		if !validActions[op.Action] {
			return fmt.Errorf("script %s: operation %d: unknown action %q", s.Name, i, op.Action)
		}
		switch op.Action {
		case ActionAlterPixels:
			if op.Region == nil || op.Region.W <= 0 || op.Region.H <= 0 {
				return fmt.Errorf("script %s: operation %d: alter_pixels needs a region", s.Name, i)
			}
		case ActionRewritePSS:
		default:
			if op.Tag == "" {
				return fmt.Errorf("script %s: operation %d: %s needs a tag", s.Name, i, op.Action)
			}
		}
	}
	return nil
}

// builtins are the read-only scripts shipped with the gateway.
var builtins = map[string]*Script{
	"basic": {
		Name:        "basic",
		Description: "Remove direct identifiers, keep dates and UIDs",
		BuiltIn:     true,
		Operations: []Operation{
			{Action: ActionEmpty, Tag: "PatientName"},
			{Action: ActionEmpty, Tag: "PatientID"},
			{Action: ActionRemove, Tag: "PatientBirthDate"},
			{Action: ActionRemove, Tag: "OtherPatientIDs"},
			{Action: ActionRemove, Tag: "PatientAddress"},
			{Action: ActionRemove, Tag: "PatientTelephoneNumbers"},
			{Action: ActionRemove, Tag: "ReferringPhysicianName"},
			{Action: ActionRemove, Tag: "InstitutionName"},
			{Action: ActionRemove, Tag: "InstitutionAddress"},
			{Action: ActionRemove, Tag: "OperatorsName"},
			{Action: ActionRemove, Tag: "PerformingPhysicianName"},
		},
	},
	"hipaa_standard": {
		Name:        "hipaa_standard",
		Description: "Safe-harbor style: identifiers removed, dates shifted, UIDs regenerated",
		BuiltIn:     true,
		Operations: []Operation{
			{Action: ActionEmpty, Tag: "PatientName"},
			{Action: ActionEmpty, Tag: "PatientID"},
			{Action: ActionRemove, Tag: "PatientBirthDate"},
			{Action: ActionRemove, Tag: "PatientAge"},
			{Action: ActionRemove, Tag: "OtherPatientIDs"},
			{Action: ActionRemove, Tag: "PatientAddress"},
			{Action: ActionRemove, Tag: "PatientTelephoneNumbers"},
			{Action: ActionRemove, Tag: "PatientMotherBirthName"},
			{Action: ActionRemove, Tag: "ReferringPhysicianName"},
			{Action: ActionRemove, Tag: "PerformingPhysicianName"},
			{Action: ActionRemove, Tag: "OperatorsName"},
			{Action: ActionRemove, Tag: "InstitutionName"},
			{Action: ActionRemove, Tag: "InstitutionAddress"},
			{Action: ActionRemove, Tag: "StationName"},
			{Action: ActionRemove, Tag: "AccessionNumber"},
			{Action: ActionShiftDate, Tag: "StudyDate"},
			{Action: ActionShiftDate, Tag: "SeriesDate"},
			{Action: ActionShiftDate, Tag: "AcquisitionDate"},
			{Action: ActionShiftDate, Tag: "ContentDate"},
			{Action: ActionGenerateUID, Tag: "StudyInstanceUID"},
			{Action: ActionGenerateUID, Tag: "SeriesInstanceUID"},
			{Action: ActionGenerateUID, Tag: "SOPInstanceUID"},
		},
	},
}

// Builtin returns a read-only built-in script by name.
func Builtin(name string) (*Script, bool) {
	s, ok := builtins[name]
	return s, ok
}

// Store persists custom scripts as YAML files in one directory.
type Store struct {
	dir string
}

// NewStore creates the scripts directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load resolves a script by name, built-ins first.
func (st *Store) Load(name string) (*Script, error) {
	if s, ok := builtins[name]; ok {
		return s, nil
	}
	if !validScriptName.MatchString(name) {
		return nil, fmt.Errorf("invalid script name %q", name)
	}
	data, err := os.ReadFile(st.path(name))
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", name, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("script %q: %w", name, err)
	}
	if s.Name == "" {
		s.Name = name
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save persists a custom script. Built-in names are refused.
func (st *Store) Save(s *Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := builtins[s.Name]; ok {
		return fmt.Errorf("script %q is built-in and read-only", s.Name)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal script %q: %w", s.Name, err)
	}
	return os.WriteFile(st.path(s.Name), data, 0o644)
}

// Delete removes a custom script. Built-in names are refused.
func (st *Store) Delete(name string) error {
	if _, ok := builtins[name]; ok {
		return fmt.Errorf("script %q is built-in and read-only", name)
	}
	if !validScriptName.MatchString(name) {
		return fmt.Errorf("invalid script name %q", name)
	}
	return os.Remove(st.path(name))
}

// List returns all script names, built-ins included, sorted.
func (st *Store) List() ([]string, error) {
	names := map[string]bool{}
	for n := range builtins {
		names[n] = true
	}
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names[strings.TrimSuffix(e.Name(), ".yaml")] = true
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (st *Store) path(name string) string {
	return filepath.Join(st.dir, name+".yaml")
}
