// ABOUTME: Tests for the anonymizer: script store, tag operations, audit reporting, conformance,
// ABOUTME: residual-PHI scanning, broker binding, and OCR region merging.
package anon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openimaging/dicomgate/dcm"
)

func TestScriptValidate(t *testing.T) {
	bad := &Script{Name: "x", Operations: []Operation{{Action: "explode", Tag: "PatientID"}}}
	if err := bad.Validate(); err == nil {
		t.Error("unknown action should fail validation")
	}
	noRegion := &Script{Name: "x", Operations: []Operation{{Action: ActionAlterPixels}}}
	if err := noRegion.Validate(); err == nil {
		t.Error("alter_pixels without region should fail")
	}
	noTag := &Script{Name: "x", Operations: []Operation{{Action: ActionRemove}}}
	if err := noTag.Validate(); err == nil {
		t.Error("remove without tag should fail")
	}
}

func TestStoreRefusesUnsafeNames(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, name := range []string{"../escape", "a/b", `a\b`, "..", ".hidden", "with space"} {
		s := &Script{Name: name, Operations: []Operation{{Action: ActionRemove, Tag: "PatientID"}}}
		if err := st.Save(s); err == nil {
			t.Errorf("save accepted unsafe name %q", name)
		}
		if _, err := st.Load(name); err == nil {
			t.Errorf("load accepted unsafe name %q", name)
		}
		if err := st.Delete(name); err == nil {
			t.Errorf("delete accepted unsafe name %q", name)
		}
	}
}

func TestBuiltins(t *testing.T) {
	for _, name := range []string{"basic", "hipaa_standard"} {
		s, ok := Builtin(name)
		if !ok {
			t.Fatalf("missing builtin %s", name)
		}
		if !s.BuiltIn {
			t.Errorf("%s not flagged built-in", name)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", name, err)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	custom := &Script{
		Name: "site_custom",
		Operations: []Operation{
			{Action: ActionReplace, Tag: "InstitutionName", Value: "SITE-A"},
		},
	}
	if err := st.Save(custom); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := st.Load("site_custom")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Operations) != 1 || loaded.Operations[0].Value != "SITE-A" {
		t.Errorf("loaded script mismatch: %+v", loaded)
	}

	names, err := st.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"basic", "hipaa_standard", "site_custom"} {
		if !strings.Contains(joined, want) {
			t.Errorf("list missing %s: %v", want, names)
		}
	}

	if err := st.Save(&Script{Name: "basic"}); err == nil {
		t.Error("saving over a builtin should fail")
	}
	if err := st.Delete("hipaa_standard"); err == nil {
		t.Error("deleting a builtin should fail")
	}
	if err := st.Delete("site_custom"); err != nil {
		t.Errorf("delete custom: %v", err)
	}
}

// studyFixture writes n instances of one study and returns the directory.
func studyFixture(t *testing.T, n int, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		fields := map[string]string{
			"SOPInstanceUID":    fmt.Sprintf("1.2.3.4.5.%d", i+1),
			"StudyInstanceUID":  "1.2.3.4",
			"SeriesInstanceUID": "1.2.3.4.1",
			"PatientName":       "DOE^JANE",
			"PatientID":         "P12345",
			"StudyDate":         "20240115",
			"Modality":          "CT",
		}
		for k, v := range extra {
			fields[k] = v
		}
		obj, err := dcm.NewObject(fields)
		if err != nil {
			t.Fatalf("fixture: %v", err)
		}
		if err := obj.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.dcm", i+1))); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return dir
}

func TestApplyBasicScript(t *testing.T) {
	in := studyFixture(t, 2, nil)
	out := t.TempDir()
	script, _ := Builtin("basic")

	report, err := Apply(context.Background(), script, in, out, Options{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.StudyUID != "1.2.3.4" || report.Script != "basic" {
		t.Errorf("report header: %+v", report)
	}
	if len(report.Files) != 2 {
		t.Fatalf("expected 2 file reports, got %d", len(report.Files))
	}
	if report.TagSummary["PatientName"] != 2 {
		t.Errorf("tag summary: %v", report.TagSummary)
	}

	obj, err := dcm.ReadFile(filepath.Join(out, "001.dcm"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := obj.GetString(tag.PatientName); got != "" {
		t.Errorf("PatientName should be empty, got %q", got)
	}
	if got := obj.GetString(tag.PatientID); got != "" {
		t.Errorf("PatientID should be empty, got %q", got)
	}
	// UIDs survive the basic script.
	if obj.StudyUID() != "1.2.3.4" {
		t.Errorf("StudyInstanceUID changed: %s", obj.StudyUID())
	}

	for _, fr := range report.Files {
		for _, ch := range fr.Changes {
			if ch.TagName == "PatientName" && !ch.IsPHI {
				t.Error("PatientName change should be flagged PHI")
			}
		}
		if len(fr.ConformanceIssues) != 0 {
			t.Errorf("unexpected conformance issues: %v", fr.ConformanceIssues)
		}
	}
}

func TestApplyGenerateUIDConsistency(t *testing.T) {
	in := studyFixture(t, 2, nil)
	out := t.TempDir()
	script := &Script{
		Name: "uids",
		Operations: []Operation{
			{Action: ActionGenerateUID, Tag: "StudyInstanceUID"},
			{Action: ActionGenerateUID, Tag: "SOPInstanceUID"},
		},
	}

	if _, err := Apply(context.Background(), script, in, out, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	a, err := dcm.ReadFile(filepath.Join(out, "001.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b, err := dcm.ReadFile(filepath.Join(out, "002.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if a.StudyUID() == "1.2.3.4" {
		t.Error("study uid not regenerated")
	}
	if a.StudyUID() != b.StudyUID() {
		t.Error("regenerated study uid differs between instances")
	}
	if a.SOPUID() == b.SOPUID() {
		t.Error("distinct sop uids collapsed")
	}
	// Meta group mirrors the new SOP instance UID.
	if a.GetString(tag.MediaStorageSOPInstanceUID) != a.SOPUID() {
		t.Error("media storage sop uid not synced")
	}
}

func TestApplyShiftDate(t *testing.T) {
	in := studyFixture(t, 1, nil)
	out := t.TempDir()
	script := &Script{
		Name:       "dates",
		Operations: []Operation{{Action: ActionShiftDate, Tag: "StudyDate"}},
	}
	// A degenerate range pins the shift so the assertion is exact.
	opts := Options{Binding: &BrokerBinding{MinShiftDays: 5, MaxShiftDays: 5}}

	if _, err := Apply(context.Background(), script, in, out, opts); err != nil {
		t.Fatalf("apply: %v", err)
	}
	obj, err := dcm.ReadFile(filepath.Join(out, "001.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := obj.GetString(tag.StudyDate); got != "20240120" {
		t.Errorf("StudyDate: %s", got)
	}
}

func TestApplyRewritePSS(t *testing.T) {
	in := studyFixture(t, 1, nil)
	out := t.TempDir()
	script := &Script{
		Name:       "pss",
		Operations: []Operation{{Action: ActionRewritePSS}},
	}
	opts := Options{Project: "PROJ1", Subject: "SUBJ1", Session: "SESS1"}

	if _, err := Apply(context.Background(), script, in, out, opts); err != nil {
		t.Fatalf("apply: %v", err)
	}
	obj, err := dcm.ReadFile(filepath.Join(out, "001.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := obj.GetString(tag.PatientComments)
	if got != "Project:PROJ1 Subject:SUBJ1 Session:SESS1" {
		t.Errorf("PatientComments: %q", got)
	}
}

func TestResidualPHIWarnings(t *testing.T) {
	in := studyFixture(t, 1, map[string]string{
		"PatientComments": "callback 555-867-5309 or jane@example.org",
	})
	out := t.TempDir()
	script := &Script{
		Name:       "noop",
		Operations: []Operation{{Action: ActionKeep, Tag: "PatientComments"}},
	}

	report, err := Apply(context.Background(), script, in, out, Options{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	warnings := strings.Join(report.Files[0].PHIWarnings, ";")
	if !strings.Contains(warnings, "phone-shaped") {
		t.Errorf("missing phone warning: %q", warnings)
	}
	if !strings.Contains(warnings, "email-shaped") {
		t.Errorf("missing email warning: %q", warnings)
	}
}

// fakeBroker returns canned mappings.
type fakeBroker struct{ calls int }

func (f *fakeBroker) Lookup(ctx context.Context, inputID, idType string) (string, error) {
	f.calls++
	return "ANON-" + inputID, nil
}

func (f *fakeBroker) Close() error { return nil }

func TestApplyBrokerBinding(t *testing.T) {
	in := studyFixture(t, 2, nil)
	out := t.TempDir()
	script, _ := Builtin("basic")
	fb := &fakeBroker{}
	opts := Options{Binding: &BrokerBinding{
		Broker:   fb,
		HashUIDs: true,
		UIDRoot:  "2.25",
	}}

	report, err := Apply(context.Background(), script, in, out, opts)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	obj, err := dcm.ReadFile(filepath.Join(out, "001.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := obj.GetString(tag.PatientID); got != "ANON-P12345" {
		t.Errorf("mapped PatientID: %q", got)
	}
	if !strings.HasPrefix(obj.StudyUID(), "2.25.") {
		t.Errorf("study uid not hashed: %s", obj.StudyUID())
	}
	if fb.calls != 1 {
		t.Errorf("broker should be consulted once per patient, got %d calls", fb.calls)
	}
	if report.BrokerMappings["P12345"] != "ANON-P12345" {
		t.Errorf("broker mappings: %v", report.BrokerMappings)
	}

	// Hashed UIDs are stable across instances of the study.
	other, err := dcm.ReadFile(filepath.Join(out, "002.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if obj.StudyUID() != other.StudyUID() {
		t.Error("hashed study uid differs between instances")
	}
}

func TestMergeRegions(t *testing.T) {
	merged := MergeRegions([]Region{
		{X: 10, Y: 10, W: 20, H: 10},
		{X: 25, Y: 12, W: 20, H: 10}, // overlaps the first
		{X: 200, Y: 200, W: 5, H: 5}, // isolated
	}, 0)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged regions, got %d: %+v", len(merged), merged)
	}
	if merged[0].X != 10 || merged[0].W != 35 {
		t.Errorf("merged bounds: %+v", merged[0])
	}

	// Padding pulls nearby boxes together.
	padded := MergeRegions([]Region{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 12, Y: 0, W: 10, H: 10},
	}, 2)
	if len(padded) != 1 {
		t.Fatalf("padding should merge adjacent boxes: %+v", padded)
	}
	if padded[0].X != 0 {
		t.Errorf("padded region clipped wrong: %+v", padded[0])
	}
}

func TestConformanceDetectsSurvivingTag(t *testing.T) {
	in := studyFixture(t, 1, nil)
	obj, err := dcm.ReadFile(filepath.Join(in, "001.dcm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r := &run{script: &Script{
		Name:       "x",
		Operations: []Operation{{Action: ActionRemove, Tag: "PatientName"}},
	}}
	fr := &FileReport{}
	// The tag was never actually removed, so the check must flag it.
	r.checkConformance(obj, fr)
	if len(fr.ConformanceIssues) != 1 {
		t.Fatalf("expected 1 conformance issue, got %v", fr.ConformanceIssues)
	}
}
