// ABOUTME: The anonymizer: applies a script to a study directory, producing anonymized copies and an AuditReport.
// ABOUTME: Broker binding layers identity mapping, deterministic date shift, and UID hashing over the script.
package anon

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openimaging/dicomgate/broker"
	"github.com/openimaging/dicomgate/dcm"
)

// BrokerBinding carries the identity-mapping options a RouteDestination binds.
type BrokerBinding struct {
	Broker       broker.Broker
	DateShift    bool
	MinShiftDays int
	MaxShiftDays int
	HashUIDs     bool
	UIDRoot      string
}

// Options configures one Apply run.
type Options struct {
	Binding      *BrokerBinding
	Project      string
	Subject      string
	Session      string
	OCR          OCRClient
	PixelPHIScan bool
	OCRPadding   int
	MRNPattern   string // site-specific MRN regex for the residual scan
}

// TagChange records one applied modification.
type TagChange struct {
	TagHex     string `json:"tag_hex"`
	TagName    string `json:"tag_name"`
	Original   string `json:"original_value"`
	Anonymized string `json:"anonymized_value"`
	Action     string `json:"action"`
	IsPHI      bool   `json:"is_phi"`
}

// FileReport is the audit of one instance.
type FileReport struct {
	File              string      `json:"file"`
	SOPInstanceUID    string      `json:"sop_instance_uid"`
	Changes           []TagChange `json:"changes"`
	ConformanceIssues []string    `json:"conformance_issues,omitempty"`
	PHIWarnings       []string    `json:"phi_warnings,omitempty"`
	RedactedRegions   []Region    `json:"redacted_regions,omitempty"`
}

// AuditReport is the per-study anonymization audit.
type AuditReport struct {
	StudyUID       string            `json:"study_uid"`
	Script         string            `json:"script"`
	GeneratedAt    time.Time         `json:"generated_at"`
	Files          []FileReport      `json:"files"`
	TagSummary     map[string]int    `json:"tag_summary"`
	BrokerMappings map[string]string `json:"broker_mappings,omitempty"`
}

// phiTags flags tags whose values are direct identifiers in the audit trail.
var phiTags = map[tag.Tag]bool{
	tag.PatientName:             true,
	tag.PatientID:               true,
	tag.PatientBirthDate:        true,
	tag.OtherPatientIDs:         true,
	tag.PatientAddress:          true,
	tag.PatientTelephoneNumbers: true,
	tag.ReferringPhysicianName:  true,
	tag.PerformingPhysicianName: true,
	tag.OperatorsName:           true,
	tag.AccessionNumber:         true,
	tag.InstitutionName:         true,
	tag.InstitutionAddress:      true,
}

// run carries the per-study state one Apply invocation threads through files.
type run struct {
	script    *Script
	opts      Options
	uidMap    map[string]string
	mapping   map[string]string
	studyUID  string
	patientID string
	shift     int
	shifted   bool
}

// Apply anonymizes every instance in inDir into outDir and returns the audit.
// Sidecar files (.json, .txt) are not copied; outDir is created if needed.
func Apply(ctx context.Context, script *Script, inDir, outDir string, opts Options) (*AuditReport, error) {
	if err := script.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	files, err := instanceFiles(inDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no instances in %s", inDir)
	}

	r := &run{
		script:  script,
		opts:    opts,
		uidMap:  map[string]string{},
		mapping: map[string]string{},
	}
	report := &AuditReport{
		Script:      script.Name,
		GeneratedAt: time.Now().UTC(),
		TagSummary:  map[string]int{},
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fr, err := r.applyFile(ctx, path, outDir)
		if err != nil {
			return nil, fmt.Errorf("anonymize %s: %w", filepath.Base(path), err)
		}
		report.Files = append(report.Files, *fr)
		for _, ch := range fr.Changes {
			report.TagSummary[ch.TagName]++
		}
	}

	report.StudyUID = r.studyUID
	if len(r.mapping) > 0 {
		report.BrokerMappings = r.mapping
	}
	return report, nil
}

// applyFile runs the script and broker binding on one instance.
func (r *run) applyFile(ctx context.Context, path, outDir string) (*FileReport, error) {
	obj, err := dcm.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fr := &FileReport{File: filepath.Base(path)}

	// The date shift is seeded by the original patient id of the first file
	// so every instance and every run of the same study shifts identically.
	if !r.shifted {
		r.patientID = obj.GetString(tag.PatientID)
		r.studyUID = obj.StudyUID()
		min, max := -30, 30
		if b := r.opts.Binding; b != nil && (b.MinShiftDays != 0 || b.MaxShiftDays != 0) {
			min, max = b.MinShiftDays, b.MaxShiftDays
		}
		r.shift = broker.ShiftDays(r.patientID, min, max)
		r.shifted = true
	}

	var pixelRegions []Region
	for _, op := range r.script.Operations {
		if op.Action == ActionAlterPixels {
			pixelRegions = append(pixelRegions, *op.Region)
			continue
		}
		if err := r.applyOp(obj, op, fr); err != nil {
			return nil, err
		}
	}

	if r.opts.Binding != nil {
		if err := r.applyBinding(ctx, obj, fr); err != nil {
			return nil, err
		}
	}

	if r.opts.PixelPHIScan && r.opts.OCR != nil {
		detected, err := r.opts.OCR.DetectRegions(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("ocr scan: %w", err)
		}
		var phi []Region
		for _, d := range detected {
			if d.IsPHI {
				phi = append(phi, d.Region)
			}
		}
		pixelRegions = append(pixelRegions, MergeRegions(phi, r.opts.OCRPadding)...)
	}
	if len(pixelRegions) > 0 {
		if err := RedactRegions(obj, pixelRegions); err != nil {
			fr.ConformanceIssues = append(fr.ConformanceIssues, fmt.Sprintf("pixel redaction: %v", err))
		} else {
			fr.RedactedRegions = pixelRegions
		}
	}

	r.syncMeta(obj, fr)
	fr.SOPInstanceUID = obj.SOPUID()
	r.checkConformance(obj, fr)
	r.scanResidualPHI(obj, fr)

	if err := obj.WriteFile(filepath.Join(outDir, filepath.Base(path))); err != nil {
		return nil, err
	}
	return fr, nil
}

// applyOp applies one non-pixel operation and records the change.
func (r *run) applyOp(obj *dcm.Object, op Operation, fr *FileReport) error {
	if op.Action == ActionRewritePSS {
		return r.rewritePSS(obj, fr)
	}

	t, err := dcm.TagByKeyword(op.Tag)
	if err != nil {
		return err
	}
	original := obj.GetString(t)
	present := obj.Has(t)

	switch op.Action {
	case ActionKeep:
		return nil
	case ActionRemove:
		if !present {
			return nil
		}
		obj.Remove(t)
		r.record(fr, t, original, "", op.Action)
	case ActionEmpty:
		if !present && original == "" {
			return nil
		}
		if err := obj.Empty(t); err != nil {
			return err
		}
		r.record(fr, t, original, "", op.Action)
	case ActionReplace:
		if err := obj.SetString(t, op.Value); err != nil {
			return err
		}
		r.record(fr, t, original, op.Value, op.Action)
	case ActionHash:
		if original == "" {
			return nil
		}
		sum := sha256.Sum256([]byte(original))
		hashed := strings.ToUpper(hex.EncodeToString(sum[:8]))
		if err := obj.SetString(t, hashed); err != nil {
			return err
		}
		r.record(fr, t, original, hashed, op.Action)
	case ActionGenerateUID:
		if original == "" {
			return nil
		}
		replacement := r.replacementUID(original)
		if err := obj.SetString(t, replacement); err != nil {
			return err
		}
		r.record(fr, t, original, replacement, op.Action)
	case ActionShiftDate:
		if original == "" {
			return nil
		}
		shifted := broker.ShiftDate(original, r.shift)
		if shifted == original {
			return nil
		}
		if err := obj.SetString(t, shifted); err != nil {
			return err
		}
		r.record(fr, t, original, shifted, op.Action)
	}
	return nil
}

// rewritePSS writes the project/subject/session routing triple into
// PatientComments, the convention XNAT's archiver reads.
func (r *run) rewritePSS(obj *dcm.Object, fr *FileReport) error {
	value := fmt.Sprintf("Project:%s Subject:%s Session:%s",
		r.opts.Project, r.opts.Subject, r.opts.Session)
	original := obj.GetString(tag.PatientComments)
	if err := obj.SetString(tag.PatientComments, value); err != nil {
		return err
	}
	r.record(fr, tag.PatientComments, original, value, ActionRewritePSS)
	return nil
}

// applyBinding applies the honest-broker transforms after the script so the
// broker output survives script-level clears of PatientID/PatientName.
func (r *run) applyBinding(ctx context.Context, obj *dcm.Object, fr *FileReport) error {
	b := r.opts.Binding

	if b.Broker != nil {
		inputID := r.bindingInput(obj)
		if inputID != "" {
			mapped, ok := r.mapping[inputID]
			if !ok {
				var err error
				mapped, err = b.Broker.Lookup(ctx, inputID, "patient_id")
				if err != nil {
					return fmt.Errorf("broker lookup: %w", err)
				}
				r.mapping[inputID] = mapped
			}
			origID := obj.GetString(tag.PatientID)
			if err := obj.SetString(tag.PatientID, mapped); err != nil {
				return err
			}
			r.record(fr, tag.PatientID, origID, mapped, "broker_map")
			origName := obj.GetString(tag.PatientName)
			if err := obj.SetString(tag.PatientName, mapped); err != nil {
				return err
			}
			r.record(fr, tag.PatientName, origName, mapped, "broker_map")
		}
	}

	if b.DateShift {
		for _, t := range []tag.Tag{tag.StudyDate, tag.SeriesDate, tag.AcquisitionDate, tag.ContentDate, tag.PatientBirthDate} {
			original := obj.GetString(t)
			if original == "" {
				continue
			}
			shifted := broker.ShiftDate(original, r.shift)
			if shifted == original {
				continue
			}
			if err := obj.SetString(t, shifted); err != nil {
				return err
			}
			r.record(fr, t, original, shifted, ActionShiftDate)
		}
	}

	if b.HashUIDs {
		for _, t := range []tag.Tag{tag.StudyInstanceUID, tag.SeriesInstanceUID, tag.SOPInstanceUID} {
			original := obj.GetString(t)
			if original == "" {
				continue
			}
			hashed, ok := r.uidMap[original]
			if !ok {
				hashed = broker.HashUID(b.UIDRoot, original)
				r.uidMap[original] = hashed
			}
			if err := obj.SetString(t, hashed); err != nil {
				return err
			}
			r.record(fr, t, original, hashed, "hash_uid")
		}
	}
	return nil
}

// bindingInput is the identifier the broker lookup keys on. The original
// PatientID is captured before the script runs; if the script cleared the
// tag, the captured value still keys the mapping.
func (r *run) bindingInput(obj *dcm.Object) string {
	if v := obj.GetString(tag.PatientID); v != "" {
		return v
	}
	return r.patientID
}

// replacementUID returns the study-stable replacement for a UID.
func (r *run) replacementUID(original string) string {
	if v, ok := r.uidMap[original]; ok {
		return v
	}
	v := newUID()
	r.uidMap[original] = v
	return v
}

// newUID mints a random UID under the 2.25 (UUID-derived) root.
func newUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	n := new(big.Int).SetBytes(b[:])
	u := "2.25." + n.String()
	if len(u) > 64 {
		u = u[:64]
	}
	return u
}

// syncMeta mirrors rewritten identifiers into the file meta group so the
// output file's media storage claims match its dataset.
func (r *run) syncMeta(obj *dcm.Object, fr *FileReport) {
	if sop := obj.SOPUID(); sop != "" && obj.GetString(tag.MediaStorageSOPInstanceUID) != sop {
		_ = obj.SetString(tag.MediaStorageSOPInstanceUID, sop)
	}
	if class := obj.SOPClass(); class != "" && obj.GetString(tag.MediaStorageSOPClassUID) != class {
		_ = obj.SetString(tag.MediaStorageSOPClassUID, class)
	}
}

// record appends a TagChange when the value actually changed.
func (r *run) record(fr *FileReport, t tag.Tag, original, anonymized, action string) {
	if original == anonymized && action != ActionRemove {
		return
	}
	fr.Changes = append(fr.Changes, TagChange{
		TagHex:     dcm.HexString(t),
		TagName:    dcm.TagName(t),
		Original:   original,
		Anonymized: anonymized,
		Action:     action,
		IsPHI:      phiTags[t],
	})
}

// checkConformance verifies each script rule's postcondition on the output.
func (r *run) checkConformance(obj *dcm.Object, fr *FileReport) {
	for _, op := range r.script.Operations {
		if op.Tag == "" {
			continue
		}
		t, err := dcm.TagByKeyword(op.Tag)
		if err != nil {
			continue
		}
		current := obj.GetString(t)
		switch op.Action {
		case ActionRemove:
			if obj.Has(t) {
				fr.ConformanceIssues = append(fr.ConformanceIssues,
					fmt.Sprintf("%s: tag still present after remove", op.Tag))
			}
		case ActionEmpty:
			if current != "" {
				fr.ConformanceIssues = append(fr.ConformanceIssues,
					fmt.Sprintf("%s: tag not empty after empty", op.Tag))
			}
		case ActionReplace:
			if obj.Has(t) && current != op.Value {
				fr.ConformanceIssues = append(fr.ConformanceIssues,
					fmt.Sprintf("%s: value %q does not match replacement", op.Tag, current))
			}
		}
	}
}

// instanceFiles lists the DICOM instances in a study directory, skipping
// sidecars, sorted for deterministic audits.
func instanceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read study dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".txt", ".csv":
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
