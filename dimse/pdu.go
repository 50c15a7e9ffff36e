// ABOUTME: DICOM upper-layer PDU codec: associate request/accept/reject, P-DATA, release, abort.
// ABOUTME: Big-endian headers per PS3.8; items and sub-items are length-prefixed TLVs.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type bytes (PS3.8 §9.3).
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduPDataTF     = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Item type bytes within associate PDUs.
const (
	itemApplicationContext = 0x10
	itemPresContextRQ      = 0x20
	itemPresContextAC      = 0x21
	itemAbstractSyntax     = 0x30
	itemTransferSyntax     = 0x40
	itemUserInfo           = 0x50
	itemMaxLength          = 0x51
	itemImplementationUID  = 0x52
	itemImplementationName = 0x55
)

// Presentation context result values in an associate-accept.
const (
	PresAccepted           byte = 0
	PresUserRejected       byte = 1
	PresAbstractNotSupport byte = 3
	PresTransferNotSupport byte = 4
)

// Association reject reasons surfaced by the acceptor.
const (
	RejectCalledAEUnknown  byte = 7
	RejectCallingAEUnknown byte = 3
	RejectNoReasonGiven    byte = 1
)

// PresContext is one proposed or accepted presentation context.
type PresContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte // accept PDUs only
}

// AssociateRQ carries the fields of an A-ASSOCIATE-RQ (and, reused, -AC).
type AssociateRQ struct {
	CalledAE     string
	CallingAE    string
	PresContexts []PresContext
	MaxPDULength uint32
}

// rawPDU is one framed PDU read off the wire.
type rawPDU struct {
	Type byte
	Data []byte
}

// readPDU reads one framed PDU. The caller enforces deadlines on the conn.
func readPDU(r io.Reader) (*rawPDU, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxAcceptablePDULength {
		return nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &rawPDU{Type: header[0], Data: data}, nil
}

// writePDU frames and writes one PDU.
func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// padAE space-pads an AE title to the 16 bytes the wire format requires.
func padAE(ae string) []byte {
	b := []byte(ae)
	if len(b) > 16 {
		b = b[:16]
	}
	for len(b) < 16 {
		b = append(b, ' ')
	}
	return b
}

// item builds a TLV item with a 2-byte big-endian length.
func item(itemType byte, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = itemType
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// encodeAssociate serializes an associate request or accept body.
func encodeAssociate(a *AssociateRQ, accept bool) []byte {
	var body []byte
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], protocolVersionSupported)
	copy(fixed[4:20], padAE(a.CalledAE))
	copy(fixed[20:36], padAE(a.CallingAE))
	body = append(body, fixed...)

	body = append(body, item(itemApplicationContext, []byte(ApplicationContextName))...)

	for _, pc := range a.PresContexts {
		var inner []byte
		head := make([]byte, 4)
		head[0] = pc.ID
		if accept {
			head[2] = pc.Result
		}
		inner = append(inner, head...)
		itemType := byte(itemPresContextRQ)
		if accept {
			itemType = itemPresContextAC
		} else {
			inner = append(inner, item(itemAbstractSyntax, []byte(pc.AbstractSyntax))...)
		}
		for _, ts := range pc.TransferSyntaxes {
			inner = append(inner, item(itemTransferSyntax, []byte(ts))...)
		}
		body = append(body, item(itemType, inner)...)
	}

	maxLen := make([]byte, 4)
	max := a.MaxPDULength
	if max == 0 {
		max = DefaultMaxPDULength
	}
	binary.BigEndian.PutUint32(maxLen, max)
	userInfo := item(itemMaxLength, maxLen)
	userInfo = append(userInfo, item(itemImplementationUID, []byte(ImplementationClassUID))...)
	userInfo = append(userInfo, item(itemImplementationName, []byte(ImplementationVersion))...)
	body = append(body, item(itemUserInfo, userInfo)...)

	return body
}

// decodeAssociate parses an associate request or accept body.
func decodeAssociate(data []byte, accept bool) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate body too short: %d bytes", len(data))
	}
	a := &AssociateRQ{
		CalledAE:     strings.TrimRight(string(data[4:20]), " \x00"),
		CallingAE:    strings.TrimRight(string(data[20:36]), " \x00"),
		MaxPDULength: DefaultMaxPDULength,
	}

	rest := data[68:]
	for len(rest) >= 4 {
		itemType := rest[0]
		itemLen := int(binary.BigEndian.Uint16(rest[2:4]))
		if 4+itemLen > len(rest) {
			return nil, fmt.Errorf("truncated item 0x%02x", itemType)
		}
		payload := rest[4 : 4+itemLen]
		rest = rest[4+itemLen:]

		switch itemType {
		case itemApplicationContext:
			// informational only
		case itemPresContextRQ, itemPresContextAC:
			pc, err := decodePresContext(payload, itemType == itemPresContextAC)
			if err != nil {
				return nil, err
			}
			a.PresContexts = append(a.PresContexts, *pc)
		case itemUserInfo:
			decodeUserInfo(payload, a)
		}
	}

	if !accept && a.CalledAE == "" {
		return nil, fmt.Errorf("associate request missing called AE")
	}
	return a, nil
}

// decodePresContext parses one presentation context item.
func decodePresContext(payload []byte, accept bool) (*PresContext, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("presentation context too short")
	}
	pc := &PresContext{ID: payload[0]}
	if accept {
		pc.Result = payload[2]
	}
	rest := payload[4:]
	for len(rest) >= 4 {
		subType := rest[0]
		subLen := int(binary.BigEndian.Uint16(rest[2:4]))
		if 4+subLen > len(rest) {
			return nil, fmt.Errorf("truncated sub-item 0x%02x", subType)
		}
		val := string(rest[4 : 4+subLen])
		rest = rest[4+subLen:]
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = strings.TrimRight(val, "\x00")
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, strings.TrimRight(val, "\x00"))
		}
	}
	return pc, nil
}

// decodeUserInfo extracts the max PDU length claim from the user info item.
func decodeUserInfo(payload []byte, a *AssociateRQ) {
	rest := payload
	for len(rest) >= 4 {
		subType := rest[0]
		subLen := int(binary.BigEndian.Uint16(rest[2:4]))
		if 4+subLen > len(rest) {
			return
		}
		if subType == itemMaxLength && subLen == 4 {
			claimed := binary.BigEndian.Uint32(rest[4:8])
			if claimed > 0 && claimed <= maxAcceptablePDULength {
				a.MaxPDULength = claimed
			}
		}
		rest = rest[4+subLen:]
	}
}

// encodeReject builds an A-ASSOCIATE-RJ body (result=rejected-permanent,
// source=service-user).
func encodeReject(reason byte) []byte {
	return []byte{0, 1, 1, reason}
}

// pdv is one presentation data value within a P-DATA-TF PDU.
type pdv struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// encodePData serializes PDVs into a P-DATA-TF body.
func encodePData(pdvs []pdv) []byte {
	var body []byte
	for _, p := range pdvs {
		head := make([]byte, 6)
		binary.BigEndian.PutUint32(head[0:4], uint32(2+len(p.Data)))
		head[4] = p.ContextID
		var mch byte
		if p.Command {
			mch |= 0x01
		}
		if p.Last {
			mch |= 0x02
		}
		head[5] = mch
		body = append(body, head...)
		body = append(body, p.Data...)
	}
	return body
}

// decodePData parses a P-DATA-TF body into PDVs.
func decodePData(data []byte) ([]pdv, error) {
	var pdvs []pdv
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, fmt.Errorf("truncated pdv header")
		}
		itemLen := binary.BigEndian.Uint32(data[0:4])
		if itemLen < 2 || int(itemLen) > len(data)-4 {
			return nil, fmt.Errorf("bad pdv length %d", itemLen)
		}
		p := pdv{
			ContextID: data[4],
			Command:   data[5]&0x01 != 0,
			Last:      data[5]&0x02 != 0,
			Data:      data[6 : 4+itemLen],
		}
		pdvs = append(pdvs, p)
		data = data[4+itemLen:]
	}
	return pdvs, nil
}

// sendDataInPDVs chunks a payload into P-DATA-TF PDUs honoring the peer's max
// PDU length.
func sendDataInPDVs(w io.Writer, contextID byte, command bool, payload []byte, maxPDU uint32) error {
	chunk := int(maxPDU) - 12 // pdu header + pdv header overhead
	if chunk < 1024 {
		chunk = 1024
	}
	for offset := 0; ; {
		end := offset + chunk
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}
		body := encodePData([]pdv{{
			ContextID: contextID,
			Command:   command,
			Last:      last,
			Data:      payload[offset:end],
		}})
		if err := writePDU(w, pduPDataTF, body); err != nil {
			return err
		}
		if last {
			return nil
		}
		offset = end
	}
}
