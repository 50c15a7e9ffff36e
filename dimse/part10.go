// ABOUTME: DICOM Part 10 framing: wrap raw network datasets in a file meta header, and unwrap files for C-STORE.
// ABOUTME: The meta group is always written explicit VR little endian regardless of the dataset transfer syntax.
package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Part10File is a DICOM file split into its meta claims and raw dataset bytes.
type Part10File struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Dataset        []byte
}

// metaElement writes one explicit VR LE element of the file meta group.
func metaElement(buf *bytes.Buffer, element uint16, vr string, value []byte) {
	if len(value)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" || vr == "OB" {
			pad = 0x00
		}
		value = append(value, pad)
	}
	var head [8]byte
	binary.LittleEndian.PutUint16(head[0:2], 0x0002)
	binary.LittleEndian.PutUint16(head[2:4], element)
	copy(head[4:6], vr)
	binary.LittleEndian.PutUint16(head[6:8], uint16(len(value)))
	buf.Write(head[:])
	buf.Write(value)
}

// WritePart10 writes preamble, magic, meta group, and dataset bytes to a file.
func WritePart10(path string, f *Part10File) error {
	var meta bytes.Buffer
	metaElement(&meta, 0x0001, "OB", []byte{0x00, 0x01}) // file meta version
	metaElement(&meta, 0x0002, "UI", []byte(f.SOPClassUID))
	metaElement(&meta, 0x0003, "UI", []byte(f.SOPInstanceUID))
	metaElement(&meta, 0x0010, "UI", []byte(f.TransferSyntax))
	metaElement(&meta, 0x0012, "UI", []byte(ImplementationClassUID))
	metaElement(&meta, 0x0013, "SH", []byte(ImplementationVersion))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	// Group length element precedes the meta elements it measures.
	var glHead [8]byte
	binary.LittleEndian.PutUint16(glHead[0:2], 0x0002)
	binary.LittleEndian.PutUint16(glHead[2:4], 0x0000)
	copy(glHead[4:6], "UL")
	binary.LittleEndian.PutUint16(glHead[6:8], 4)
	out.Write(glHead[:])
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(meta.Len()))
	out.Write(gl[:])

	out.Write(meta.Bytes())
	out.Write(f.Dataset)

	return os.WriteFile(path, out.Bytes(), 0o644)
}

// ReadPart10 reads a DICOM file and splits the meta header from the dataset.
func ReadPart10(path string) (*Part10File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 132+8 || string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("%s: not a DICOM Part 10 file", path)
	}

	f := &Part10File{TransferSyntax: ImplicitVRLittleEndian}
	rest := data[132:]
	for len(rest) >= 8 {
		group := binary.LittleEndian.Uint16(rest[0:2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(rest[2:4])
		vr := string(rest[4:6])
		var length uint32
		var header int
		switch vr {
		case "OB", "OW", "UN", "UT", "SQ":
			if len(rest) < 12 {
				return nil, fmt.Errorf("%s: truncated meta header", path)
			}
			length = binary.LittleEndian.Uint32(rest[8:12])
			header = 12
		default:
			length = uint32(binary.LittleEndian.Uint16(rest[6:8]))
			header = 8
		}
		if header+int(length) > len(rest) {
			return nil, fmt.Errorf("%s: truncated meta element", path)
		}
		value := rest[header : header+int(length)]
		switch element {
		case 0x0002:
			f.SOPClassUID = trimUID(value)
		case 0x0003:
			f.SOPInstanceUID = trimUID(value)
		case 0x0010:
			f.TransferSyntax = trimUID(value)
		}
		rest = rest[header+int(length):]
	}

	f.Dataset = rest
	if f.SOPInstanceUID == "" {
		// Fall back to scanning the dataset for identifiers.
		found := ScanDataset(f.Dataset, f.TransferSyntax, map[uint32]bool{
			TagSOPClassUID: true, TagSOPInstanceUID: true,
		})
		f.SOPClassUID = found[TagSOPClassUID]
		f.SOPInstanceUID = found[TagSOPInstanceUID]
	}
	if f.SOPInstanceUID == "" {
		return nil, fmt.Errorf("%s: no SOP instance UID", path)
	}
	return f, nil
}
