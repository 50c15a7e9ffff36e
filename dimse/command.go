// ABOUTME: DIMSE command set codec (implicit VR little endian, group 0000) for C-ECHO and C-STORE.
// ABOUTME: Also provides the lightweight implicit/explicit VR dataset scanner used to pull UIDs from raw bytes.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command field values (PS3.7).
const (
	CmdCStoreRQ  uint16 = 0x0001
	CmdCStoreRSP uint16 = 0x8001
	CmdCEchoRQ   uint16 = 0x0030
	CmdCEchoRSP  uint16 = 0x8030
)

// CommandDataSetType value meaning "no data set follows".
const noDataSet uint16 = 0x0101

// Command is a decoded DIMSE command set.
type Command struct {
	CommandField    uint16
	MessageID       uint16
	RespondedTo     uint16
	SOPClassUID     string
	SOPInstanceUID  string
	Status          uint16
	HasDataSet      bool
	MoveOriginator  string
	Priority        uint16
}

// commandElement is one implicit-VR element in the command group.
type commandElement struct {
	element uint16
	value   []byte
}

// uidBytes encodes a UID string, null-padding to even length per UI VR rules.
func uidBytes(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

// u16Bytes encodes a US value little endian.
func u16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// EncodeCommand serializes a command set, prepending the group length element.
func EncodeCommand(c *Command) []byte {
	var elements []commandElement

	if c.SOPClassUID != "" {
		elements = append(elements, commandElement{0x0002, uidBytes(c.SOPClassUID)})
	}
	elements = append(elements, commandElement{0x0100, u16Bytes(c.CommandField)})
	if c.CommandField < 0x8000 {
		elements = append(elements, commandElement{0x0110, u16Bytes(c.MessageID)})
		elements = append(elements, commandElement{0x0700, u16Bytes(c.Priority)})
	} else {
		elements = append(elements, commandElement{0x0120, u16Bytes(c.RespondedTo)})
	}
	dsType := noDataSet
	if c.HasDataSet {
		dsType = 0x0000
	}
	elements = append(elements, commandElement{0x0800, u16Bytes(dsType)})
	if c.CommandField >= 0x8000 {
		elements = append(elements, commandElement{0x0900, u16Bytes(c.Status)})
	}
	if c.SOPInstanceUID != "" {
		elements = append(elements, commandElement{0x1000, uidBytes(c.SOPInstanceUID)})
	}

	var body []byte
	for _, el := range elements {
		body = append(body, encodeImplicitElement(0x0000, el.element, el.value)...)
	}

	// Group length element covers everything after itself.
	lenVal := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenVal, uint32(len(body)))
	out := encodeImplicitElement(0x0000, 0x0000, lenVal)
	return append(out, body...)
}

// encodeImplicitElement writes tag + 4-byte length + value, implicit VR LE.
func encodeImplicitElement(group, element uint16, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint16(out[0:2], group)
	binary.LittleEndian.PutUint16(out[2:4], element)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(value)))
	copy(out[8:], value)
	return out
}

// DecodeCommand parses a command set from implicit VR LE bytes.
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{}
	sawCommandField := false
	for len(data) >= 8 {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		if int(length) > len(data)-8 {
			return nil, fmt.Errorf("truncated command element (%04x,%04x)", group, element)
		}
		value := data[8 : 8+length]
		data = data[8+length:]

		if group != 0x0000 {
			continue
		}
		switch element {
		case 0x0002:
			c.SOPClassUID = trimUID(value)
		case 0x0100:
			if len(value) >= 2 {
				c.CommandField = binary.LittleEndian.Uint16(value)
				sawCommandField = true
			}
		case 0x0110:
			if len(value) >= 2 {
				c.MessageID = binary.LittleEndian.Uint16(value)
			}
		case 0x0120:
			if len(value) >= 2 {
				c.RespondedTo = binary.LittleEndian.Uint16(value)
			}
		case 0x0700:
			if len(value) >= 2 {
				c.Priority = binary.LittleEndian.Uint16(value)
			}
		case 0x0800:
			if len(value) >= 2 {
				c.HasDataSet = binary.LittleEndian.Uint16(value) != noDataSet
			}
		case 0x0900:
			if len(value) >= 2 {
				c.Status = binary.LittleEndian.Uint16(value)
			}
		case 0x1000:
			c.SOPInstanceUID = trimUID(value)
		}
	}
	if !sawCommandField {
		return nil, fmt.Errorf("command set missing command field")
	}
	return c, nil
}

// trimUID strips UI padding.
func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

// ScanDataset walks raw dataset bytes in the given transfer syntax and returns
// the string values of the requested tags (keyed "GGGGEEEE"). It understands
// just enough VR structure to find top-level string elements; it stops at
// pixel data. Used to key incoming objects by study/series UIDs before the
// full file codec ever sees them.
func ScanDataset(data []byte, transferSyntax string, want map[uint32]bool) map[uint32]string {
	explicit := transferSyntax != ImplicitVRLittleEndian
	found := map[uint32]string{}

	for len(data) >= 8 && len(found) < len(want) {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		key := uint32(group)<<16 | uint32(element)

		var length uint32
		var header int
		if explicit {
			vr := string(data[4:6])
			switch vr {
			case "OB", "OW", "OF", "SQ", "UT", "UN", "UC", "UR", "OD", "OL":
				if len(data) < 12 {
					return found
				}
				length = binary.LittleEndian.Uint32(data[8:12])
				header = 12
			default:
				length = uint32(binary.LittleEndian.Uint16(data[6:8]))
				header = 8
			}
		} else {
			length = binary.LittleEndian.Uint32(data[4:8])
			header = 8
		}

		// Pixel data or undefined-length items end the cheap scan.
		if group == 0x7FE0 || length == 0xFFFFFFFF {
			return found
		}
		if header+int(length) > len(data) {
			return found
		}
		if want[key] {
			found[key] = strings.TrimRight(string(data[header:header+int(length)]), "\x00 ")
		}
		data = data[header+int(length):]
	}
	return found
}

// Tag keys for ScanDataset.
const (
	TagStudyInstanceUID  uint32 = 0x0020000D
	TagSeriesInstanceUID uint32 = 0x0020000E
	TagSOPInstanceUID    uint32 = 0x00080018
	TagSOPClassUID       uint32 = 0x00080016
	TagModality          uint32 = 0x00080060
	TagPatientID         uint32 = 0x00100020
	TagPatientName       uint32 = 0x00100010
	TagStudyDate         uint32 = 0x00080020
)
