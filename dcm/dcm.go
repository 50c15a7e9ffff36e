// ABOUTME: Thin wrapper over the DICOM file codec used by the receiver, anonymizer, and filesystem sink.
// ABOUTME: Exposes tag get/set/remove by keyword, dataset read/write, and the identifiers the pipeline keys on.
package dcm

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Object is one parsed DICOM instance plus the path it was read from.
type Object struct {
	Path    string
	Dataset dicom.Dataset
}

// ReadFile parses a DICOM Part 10 file from disk.
func ReadFile(path string) (*Object, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Object{Path: path, Dataset: ds}, nil
}

// WriteFile serializes the object's dataset to a DICOM Part 10 file.
func (o *Object) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := dicom.Write(f, o.Dataset, dicom.SkipVRVerification()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// TagByKeyword resolves a DICOM keyword ("PatientID") or hex pair
// ("0010,0020") to a tag.
func TagByKeyword(keyword string) (tag.Tag, error) {
	if g, e, ok := parseHexPair(keyword); ok {
		return tag.Tag{Group: g, Element: e}, nil
	}
	info, err := tag.FindByName(keyword)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("unknown tag %q: %w", keyword, err)
	}
	return info.Tag, nil
}

// parseHexPair parses "GGGG,EEEE" into group/element numbers.
func parseHexPair(s string) (uint16, uint16, bool) {
	parts := strings.Split(strings.Trim(s, "() "), ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	var g, e uint16
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%04x", &g); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%04x", &e); err != nil {
		return 0, 0, false
	}
	return g, e, true
}

// TagName returns the standard keyword for a tag, or its hex form if unknown.
func TagName(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return HexString(t)
}

// HexString renders a tag as "0010,0020".
func HexString(t tag.Tag) string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

// GetString returns the first string value of a tag, or "" if absent.
func (o *Object) GetString(t tag.Tag) string {
	el, err := o.Dataset.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	return firstString(el.Value.GetValue())
}

// firstString extracts a display string from a raw element value.
func firstString(v any) string {
	switch val := v.(type) {
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case string:
		return val
	case []int:
		if len(val) > 0 {
			return fmt.Sprintf("%d", val[0])
		}
	}
	return ""
}

// Strings returns all string values of a tag.
func (o *Object) Strings(t tag.Tag) []string {
	el, err := o.Dataset.FindElementByTag(t)
	if err != nil || el == nil {
		return nil
	}
	if vals, ok := el.Value.GetValue().([]string); ok {
		return vals
	}
	return nil
}

// Has reports whether the tag is present in the dataset.
func (o *Object) Has(t tag.Tag) bool {
	el, err := o.Dataset.FindElementByTag(t)
	return err == nil && el != nil
}

// SetString replaces (or inserts) a tag with a single string value.
func (o *Object) SetString(t tag.Tag, value string) error {
	el, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("new element %s: %w", TagName(t), err)
	}
	for i, existing := range o.Dataset.Elements {
		if existing.Tag == t {
			o.Dataset.Elements[i] = el
			return nil
		}
	}
	o.Dataset.Elements = append(o.Dataset.Elements, el)
	return nil
}

// Remove drops a tag from the dataset. Removing an absent tag is a no-op.
func (o *Object) Remove(t tag.Tag) {
	kept := o.Dataset.Elements[:0]
	for _, el := range o.Dataset.Elements {
		if el.Tag != t {
			kept = append(kept, el)
		}
	}
	o.Dataset.Elements = kept
}

// Empty zeroes a tag's value while keeping the tag present.
func (o *Object) Empty(t tag.Tag) error {
	return o.SetString(t, "")
}

// VR returns the raw value representation of a tag, or "" if absent.
func (o *Object) VR(t tag.Tag) string {
	el, err := o.Dataset.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	return el.RawValueRepresentation
}

// Identifiers the pipeline keys on.

func (o *Object) StudyUID() string  { return o.GetString(tag.StudyInstanceUID) }
func (o *Object) SeriesUID() string { return o.GetString(tag.SeriesInstanceUID) }
func (o *Object) SOPUID() string    { return o.GetString(tag.SOPInstanceUID) }
func (o *Object) SOPClass() string  { return o.GetString(tag.SOPClassUID) }

// ExpandPattern substitutes {Keyword} placeholders in a filesystem naming
// pattern with tag values from the object. Unknown or absent tags expand to
// "UNKNOWN". Path separator characters inside values are replaced to keep the
// result inside the sink directory.
func (o *Object) ExpandPattern(pattern string) string {
	var b strings.Builder
	rest := pattern
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		keyword := rest[start+1 : start+end]
		val := "UNKNOWN"
		if t, err := TagByKeyword(keyword); err == nil {
			if s := o.GetString(t); s != "" {
				val = sanitizePathComponent(s)
			}
		}
		b.WriteString(val)
		rest = rest[start+end+1:]
	}
	return b.String()
}

// sanitizePathComponent strips characters that would escape the sink directory.
func sanitizePathComponent(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(s)
}
