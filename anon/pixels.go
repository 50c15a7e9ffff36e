// ABOUTME: Pixel redaction: zeroes rectangular regions of native pixel data in place.
// ABOUTME: Encapsulated (compressed) pixel data cannot be redacted and is reported as a conformance issue.
package anon

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openimaging/dicomgate/dcm"
)

// RedactRegions zeroes the given regions in every frame of the object's pixel
// data. Regions are clipped to the frame bounds.
func RedactRegions(obj *dcm.Object, regions []Region) error {
	el, err := obj.Dataset.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return fmt.Errorf("no pixel data")
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if info.IsEncapsulated {
		return fmt.Errorf("encapsulated pixel data cannot be redacted in place")
	}
	if len(info.Frames) == 0 {
		return fmt.Errorf("pixel data has no frames")
	}

	for i := range info.Frames {
		native := info.Frames[i].NativeData
		rows, cols := native.Rows, native.Cols
		if rows*cols > len(native.Data) {
			return fmt.Errorf("frame %d: %dx%d exceeds %d samples", i, rows, cols, len(native.Data))
		}
		for _, reg := range regions {
			x1, y1 := clamp(reg.X, 0, cols), clamp(reg.Y, 0, rows)
			x2, y2 := clamp(reg.X+reg.W, 0, cols), clamp(reg.Y+reg.H, 0, rows)
			for y := y1; y < y2; y++ {
				for x := x1; x < x2; x++ {
					px := native.Data[y*cols+x]
					for s := range px {
						px[s] = 0
					}
				}
			}
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
