// ABOUTME: Dataset construction helpers: build a writable DICOM object from keyword/value pairs.
// ABOUTME: Used by tests and by the receiver when synthesizing Part 10 files is not possible from raw bytes.
package dcm

import (
	"fmt"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

// NewObject builds an Object from keyword/value pairs, filling in the file
// meta group so the result is writable as a Part 10 file. SOPClassUID and
// SOPInstanceUID from fields are mirrored into the media storage meta tags.
func NewObject(fields map[string]string) (*Object, error) {
	o := &Object{}

	sopClass := fields["SOPClassUID"]
	if sopClass == "" {
		sopClass = "1.2.840.10008.5.1.4.1.1.7" // Secondary Capture
	}
	sopUID := fields["SOPInstanceUID"]
	if sopUID == "" {
		return nil, fmt.Errorf("SOPInstanceUID is required")
	}

	meta := []struct {
		t tag.Tag
		v string
	}{
		{tag.MediaStorageSOPClassUID, sopClass},
		{tag.MediaStorageSOPInstanceUID, sopUID},
		{tag.TransferSyntaxUID, uid.ExplicitVRLittleEndian},
	}
	for _, m := range meta {
		el, err := dicom.NewElement(m.t, []string{m.v})
		if err != nil {
			return nil, fmt.Errorf("meta element %s: %w", TagName(m.t), err)
		}
		o.Dataset.Elements = append(o.Dataset.Elements, el)
	}

	// Deterministic element order keeps fixtures stable across runs.
	keywords := make([]string, 0, len(fields))
	for k := range fields {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	for _, k := range keywords {
		t, err := TagByKeyword(k)
		if err != nil {
			return nil, err
		}
		if err := o.SetString(t, fields[k]); err != nil {
			return nil, err
		}
	}
	return o, nil
}
