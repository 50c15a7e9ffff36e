// ABOUTME: Residual-PHI heuristics: scans surviving string values for SSN, phone, email, and site-MRN shapes.
// ABOUTME: Findings are warnings in the audit report, never failures.
package anon

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/openimaging/dicomgate/dcm"
)

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\(\d{3}\)\s?|\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// scanResidualPHI walks the output dataset's string values and flags values
// that still look like identifiers.
func (r *run) scanResidualPHI(obj *dcm.Object, fr *FileReport) {
	var mrnPattern *regexp.Regexp
	if r.opts.MRNPattern != "" {
		mrnPattern, _ = regexp.Compile(r.opts.MRNPattern)
	}

	for _, el := range obj.Dataset.Elements {
		if el.Tag.Group == 0x0002 || el.Tag.Group == 0x7FE0 {
			continue
		}
		vals, ok := el.Value.GetValue().([]string)
		if !ok {
			continue
		}
		joined := strings.Join(vals, "\\")
		if joined == "" {
			continue
		}
		name := dcm.TagName(el.Tag)
		if ssnPattern.MatchString(joined) {
			fr.PHIWarnings = append(fr.PHIWarnings, fmt.Sprintf("%s: SSN-shaped value", name))
		}
		if phonePattern.MatchString(joined) {
			fr.PHIWarnings = append(fr.PHIWarnings, fmt.Sprintf("%s: phone-shaped value", name))
		}
		if emailPattern.MatchString(joined) {
			fr.PHIWarnings = append(fr.PHIWarnings, fmt.Sprintf("%s: email-shaped value", name))
		}
		if mrnPattern != nil && mrnPattern.MatchString(joined) {
			fr.PHIWarnings = append(fr.PHIWarnings, fmt.Sprintf("%s: MRN-shaped value", name))
		}
	}
}
