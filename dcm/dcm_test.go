// ABOUTME: Tests for tag resolution, get/set/remove operations, pattern expansion, and file round-trips.
// ABOUTME: Fixtures are built with NewObject and written through the real codec.
package dcm

import (
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

func testObject(t *testing.T) *Object {
	t.Helper()
	o, err := NewObject(map[string]string{
		"SOPInstanceUID":    "1.2.3.4.5",
		"SOPClassUID":       "1.2.840.10008.5.1.4.1.1.2",
		"StudyInstanceUID":  "1.2.3.4",
		"SeriesInstanceUID": "1.2.3.4.1",
		"PatientID":         "P12345",
		"PatientName":       "DOE^JANE",
		"StudyDate":         "20240115",
		"Modality":          "CT",
	})
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	return o
}

func TestTagByKeyword(t *testing.T) {
	got, err := TagByKeyword("PatientID")
	if err != nil {
		t.Fatalf("TagByKeyword: %v", err)
	}
	if got != tag.PatientID {
		t.Errorf("expected PatientID tag, got %v", got)
	}
}

func TestTagByHexPair(t *testing.T) {
	got, err := TagByKeyword("0010,0020")
	if err != nil {
		t.Fatalf("TagByKeyword hex: %v", err)
	}
	if got != (tag.Tag{Group: 0x0010, Element: 0x0020}) {
		t.Errorf("expected (0010,0020), got %v", got)
	}
}

func TestTagByKeywordUnknown(t *testing.T) {
	if _, err := TagByKeyword("NotARealTag"); err == nil {
		t.Fatal("expected error for unknown keyword")
	}
}

func TestGetSetRemove(t *testing.T) {
	o := testObject(t)
	if got := o.GetString(tag.PatientID); got != "P12345" {
		t.Errorf("expected P12345, got %q", got)
	}
	if err := o.SetString(tag.PatientID, "SUBJ_001"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if got := o.GetString(tag.PatientID); got != "SUBJ_001" {
		t.Errorf("expected SUBJ_001, got %q", got)
	}
	o.Remove(tag.PatientName)
	if o.Has(tag.PatientName) {
		t.Error("PatientName should be removed")
	}
	// Removing an absent tag is a no-op.
	o.Remove(tag.PatientName)
}

func TestIdentifiers(t *testing.T) {
	o := testObject(t)
	if o.StudyUID() != "1.2.3.4" || o.SeriesUID() != "1.2.3.4.1" || o.SOPUID() != "1.2.3.4.5" {
		t.Errorf("identifier mismatch: %s %s %s", o.StudyUID(), o.SeriesUID(), o.SOPUID())
	}
}

func TestExpandPattern(t *testing.T) {
	o := testObject(t)
	got := o.ExpandPattern("{PatientID}/{StudyDate}/{Modality}")
	if got != "P12345/20240115/CT" {
		t.Errorf("expected P12345/20240115/CT, got %q", got)
	}
}

func TestExpandPatternUnknownPlaceholder(t *testing.T) {
	o := testObject(t)
	got := o.ExpandPattern("{NoSuchTag}/x")
	if got != "UNKNOWN/x" {
		t.Errorf("expected UNKNOWN/x, got %q", got)
	}
}

func TestExpandPatternSanitizesSeparators(t *testing.T) {
	o := testObject(t)
	if err := o.SetString(tag.PatientID, "../evil/id"); err != nil {
		t.Fatal(err)
	}
	got := o.ExpandPattern("{PatientID}")
	if filepath.IsAbs(got) || got == "../evil/id" {
		t.Errorf("path not sanitized: %q", got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	o := testObject(t)
	path := filepath.Join(t.TempDir(), "obj.dcm")
	if err := o.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	back, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if back.GetString(tag.PatientID) != "P12345" {
		t.Errorf("expected PatientID to survive round trip, got %q", back.GetString(tag.PatientID))
	}
	if back.StudyUID() != "1.2.3.4" {
		t.Errorf("expected study UID to survive, got %q", back.StudyUID())
	}
}
