// ABOUTME: Association requester (SCU) used by the DICOM destination adapter and health probes.
// ABOUTME: Negotiates contexts for the SOP classes it will send, then drives C-ECHO / C-STORE exchanges.
package dimse

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client is one open outbound association.
type Client struct {
	conn      net.Conn
	timeout   time.Duration
	peerMax   uint32
	nextMsgID uint16
	// contexts maps abstract syntax -> accepted context per transfer syntax.
	contexts map[string]map[string]byte
}

// Connect dials the peer and negotiates an association offering Verification
// plus the given storage SOP classes, each with explicit and implicit LE.
func Connect(ctx context.Context, addr, callingAE, calledAE string, sopClasses []string, timeout time.Duration) (*Client, error) {
	if timeout == 0 {
		timeout = defaultAssocTimeoutSecs * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	rq := &AssociateRQ{
		CalledAE:     calledAE,
		CallingAE:    callingAE,
		MaxPDULength: DefaultMaxPDULength,
	}
	// One context per (SOP class, transfer syntax) pair so the acceptor's
	// choice never forces a transcode: whichever syntax a file carries has
	// its own accepted context.
	id := byte(1)
	proposed := map[byte]PresContext{}
	propose := func(abstract string, syntaxes ...string) {
		for _, ts := range syntaxes {
			pc := PresContext{
				ID:               id,
				AbstractSyntax:   abstract,
				TransferSyntaxes: []string{ts},
			}
			rq.PresContexts = append(rq.PresContexts, pc)
			proposed[id] = pc
			id += 2 // presentation context IDs are odd
		}
	}
	propose(VerificationSOPClass, ExplicitVRLittleEndian, ImplicitVRLittleEndian)
	for _, abstract := range sopClasses {
		propose(abstract, ExplicitVRLittleEndian, ImplicitVRLittleEndian)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if err := writePDU(conn, pduAssociateRQ, encodeAssociate(rq, false)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write associate-rq: %w", err)
	}
	p, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read associate response: %w", err)
	}
	switch p.Type {
	case pduAssociateRJ:
		conn.Close()
		return nil, fmt.Errorf("association rejected by %s", calledAE)
	case pduAssociateAC:
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected pdu 0x%02x", p.Type)
	}
	ac, err := decodeAssociate(p.Data, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode associate-ac: %w", err)
	}

	c := &Client{
		conn:      conn,
		timeout:   timeout,
		peerMax:   ac.MaxPDULength,
		nextMsgID: 1,
		contexts:  map[string]map[string]byte{},
	}
	for _, pc := range ac.PresContexts {
		if pc.Result != PresAccepted || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		orig, ok := proposed[pc.ID]
		if !ok {
			continue
		}
		if c.contexts[orig.AbstractSyntax] == nil {
			c.contexts[orig.AbstractSyntax] = map[string]byte{}
		}
		c.contexts[orig.AbstractSyntax][pc.TransferSyntaxes[0]] = pc.ID
	}
	if len(c.contexts) == 0 {
		conn.Close()
		return nil, fmt.Errorf("peer %s accepted no presentation contexts", calledAE)
	}
	return c, nil
}

// contextFor finds the accepted context ID for an abstract syntax, preferring
// the exact transfer syntax of the payload.
func (c *Client) contextFor(abstract, transferSyntax string) (byte, string, bool) {
	byTS, ok := c.contexts[abstract]
	if !ok {
		return 0, "", false
	}
	if id, ok := byTS[transferSyntax]; ok {
		return id, transferSyntax, true
	}
	for ts, id := range byTS {
		return id, ts, true
	}
	return 0, "", false
}

// Echo performs a C-ECHO exchange. A non-success status is an error.
func (c *Client) Echo(ctx context.Context) error {
	id, _, ok := c.contextFor(VerificationSOPClass, ExplicitVRLittleEndian)
	if !ok {
		return fmt.Errorf("verification context not negotiated")
	}
	msgID := c.nextMessageID()
	req := EncodeCommand(&Command{
		CommandField: CmdCEchoRQ,
		MessageID:    msgID,
		SOPClassUID:  VerificationSOPClass,
	})
	c.applyDeadline(ctx)
	if err := sendDataInPDVs(c.conn, id, true, req, c.peerMax); err != nil {
		return fmt.Errorf("send c-echo: %w", err)
	}
	rsp, err := c.readResponse(ctx, id)
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess {
		return fmt.Errorf("c-echo status 0x%04x", rsp.Status)
	}
	return nil
}

// Store sends one Part 10 object with C-STORE and returns the DIMSE status.
// The dataset bytes are sent as-is; the peer must have accepted the file's
// transfer syntax (no transcoding).
func (c *Client) Store(ctx context.Context, f *Part10File) (uint16, error) {
	id, ts, ok := c.contextFor(f.SOPClassUID, f.TransferSyntax)
	if !ok {
		return 0, fmt.Errorf("no accepted context for SOP class %s", f.SOPClassUID)
	}
	if ts != f.TransferSyntax {
		return 0, fmt.Errorf("peer accepted %s but object is %s", ts, f.TransferSyntax)
	}

	msgID := c.nextMessageID()
	req := EncodeCommand(&Command{
		CommandField:   CmdCStoreRQ,
		MessageID:      msgID,
		SOPClassUID:    f.SOPClassUID,
		SOPInstanceUID: f.SOPInstanceUID,
		HasDataSet:     true,
	})
	c.applyDeadline(ctx)
	if err := sendDataInPDVs(c.conn, id, true, req, c.peerMax); err != nil {
		return 0, fmt.Errorf("send c-store command: %w", err)
	}
	if err := sendDataInPDVs(c.conn, id, false, f.Dataset, c.peerMax); err != nil {
		return 0, fmt.Errorf("send c-store data: %w", err)
	}
	rsp, err := c.readResponse(ctx, id)
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// readResponse assembles command PDVs on the given context into a Command.
func (c *Client) readResponse(ctx context.Context, ctxID byte) (*Command, error) {
	var buf []byte
	for {
		c.applyDeadline(ctx)
		p, err := readPDU(c.conn)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch p.Type {
		case pduAbort:
			return nil, fmt.Errorf("association aborted by peer")
		case pduPDataTF:
			pdvs, err := decodePData(p.Data)
			if err != nil {
				return nil, err
			}
			for _, v := range pdvs {
				if v.ContextID != ctxID || !v.Command {
					continue
				}
				buf = append(buf, v.Data...)
				if v.Last {
					return DecodeCommand(buf)
				}
			}
		default:
			return nil, fmt.Errorf("unexpected pdu 0x%02x awaiting response", p.Type)
		}
	}
}

// Release performs the orderly release handshake and closes the connection.
func (c *Client) Release() error {
	defer c.conn.Close()
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := writePDU(c.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		return err
	}
	// Drain until release-rp or error; the conn closes either way.
	for {
		p, err := readPDU(c.conn)
		if err != nil {
			return nil
		}
		if p.Type == pduReleaseRP {
			return nil
		}
	}
}

// Close drops the connection without the release handshake.
func (c *Client) Close() error {
	return c.conn.Close()
}

// applyDeadline sets the conn deadline from the context or the default timeout.
func (c *Client) applyDeadline(ctx context.Context) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
}

// nextMessageID returns a fresh DIMSE message ID.
func (c *Client) nextMessageID() uint16 {
	id := c.nextMsgID
	c.nextMsgID++
	if c.nextMsgID == 0 {
		c.nextMsgID = 1
	}
	return id
}
