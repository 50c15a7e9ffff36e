// ABOUTME: Association acceptor: serves one inbound DICOM association, dispatching C-ECHO and C-STORE to callbacks.
// ABOUTME: Presentation contexts are negotiated against the configured storage SOP classes plus Verification.
package dimse

import (
	"context"
	"fmt"
	"net"
	"time"
)

// StoreRequest carries one received C-STORE object to the application.
type StoreRequest struct {
	CallingAE      string
	CalledAE       string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte // raw dataset bytes in TransferSyntax
}

// AcceptorCallbacks is the application surface of an inbound association.
// OnAssociate may veto the association (rate limiting); OnStore returns the
// DIMSE status to send in the C-STORE response.
type AcceptorCallbacks struct {
	OnAssociate func(callingAE string) (ok bool, rejectReason byte)
	OnEcho      func(callingAE string)
	OnStore     func(req *StoreRequest) uint16
}

// Acceptor serves inbound associations for one listening AE.
type Acceptor struct {
	AETitle           string
	StorageSOPClasses []string
	MaxPDULength      uint32
	IdleTimeout       time.Duration
	Callbacks         AcceptorCallbacks
}

// acceptedContext tracks one negotiated presentation context.
type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

// ServeConn runs the association protocol on one connection until release,
// abort, error, or context cancellation. The caller owns closing the conn.
func (a *Acceptor) ServeConn(ctx context.Context, conn net.Conn) error {
	idle := a.IdleTimeout
	if idle == 0 {
		idle = defaultAssocTimeoutSecs * time.Second
	}
	maxPDU := a.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	// Close the conn when ctx ends so blocked reads unwind during shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	conn.SetDeadline(time.Now().Add(idle))
	p, err := readPDU(conn)
	if err != nil {
		return fmt.Errorf("read associate: %w", err)
	}
	if p.Type != pduAssociateRQ {
		return fmt.Errorf("expected associate-rq, got pdu 0x%02x", p.Type)
	}
	rq, err := decodeAssociate(p.Data, false)
	if err != nil {
		return fmt.Errorf("decode associate: %w", err)
	}

	if rq.CalledAE != a.AETitle {
		writePDU(conn, pduAssociateRJ, encodeReject(RejectCalledAEUnknown))
		return fmt.Errorf("called AE %q does not match %q", rq.CalledAE, a.AETitle)
	}
	if a.Callbacks.OnAssociate != nil {
		if ok, reason := a.Callbacks.OnAssociate(rq.CallingAE); !ok {
			writePDU(conn, pduAssociateRJ, encodeReject(reason))
			return fmt.Errorf("association from %q refused", rq.CallingAE)
		}
	}

	accepted := map[byte]acceptedContext{}
	ac := &AssociateRQ{
		CalledAE:     rq.CalledAE,
		CallingAE:    rq.CallingAE,
		MaxPDULength: maxPDU,
	}
	supported := map[string]bool{VerificationSOPClass: true}
	for _, s := range a.StorageSOPClasses {
		supported[s] = true
	}
	for _, pc := range rq.PresContexts {
		resp := PresContext{ID: pc.ID, Result: PresAbstractNotSupport}
		if supported[pc.AbstractSyntax] {
			if ts, ok := pickTransferSyntax(pc.TransferSyntaxes); ok {
				resp.Result = PresAccepted
				resp.TransferSyntaxes = []string{ts}
				accepted[pc.ID] = acceptedContext{abstractSyntax: pc.AbstractSyntax, transferSyntax: ts}
			} else {
				resp.Result = PresTransferNotSupport
				resp.TransferSyntaxes = []string{ImplicitVRLittleEndian}
			}
		} else {
			resp.TransferSyntaxes = []string{ImplicitVRLittleEndian}
		}
		ac.PresContexts = append(ac.PresContexts, resp)
	}
	if err := writePDU(conn, pduAssociateAC, encodeAssociate(ac, true)); err != nil {
		return fmt.Errorf("write associate-ac: %w", err)
	}

	peerMax := rq.MaxPDULength

	// Per-context assembly buffers for fragmented command and data PDVs.
	cmdBuf := map[byte][]byte{}
	dataBuf := map[byte][]byte{}
	pendingCmd := map[byte]*Command{}

	for {
		conn.SetDeadline(time.Now().Add(idle))
		p, err := readPDU(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read pdu: %w", err)
		}

		switch p.Type {
		case pduReleaseRQ:
			writePDU(conn, pduReleaseRP, make([]byte, 4))
			return nil
		case pduAbort:
			return nil
		case pduPDataTF:
			pdvs, err := decodePData(p.Data)
			if err != nil {
				return fmt.Errorf("decode p-data: %w", err)
			}
			for _, v := range pdvs {
				actx, ok := accepted[v.ContextID]
				if !ok {
					return fmt.Errorf("pdv on unaccepted context %d", v.ContextID)
				}
				if v.Command {
					cmdBuf[v.ContextID] = append(cmdBuf[v.ContextID], v.Data...)
					if !v.Last {
						continue
					}
					cmd, err := DecodeCommand(cmdBuf[v.ContextID])
					cmdBuf[v.ContextID] = nil
					if err != nil {
						return fmt.Errorf("decode command: %w", err)
					}
					if err := a.handleCommand(conn, rq, actx, v.ContextID, cmd, pendingCmd, peerMax); err != nil {
						return err
					}
				} else {
					dataBuf[v.ContextID] = append(dataBuf[v.ContextID], v.Data...)
					if !v.Last {
						continue
					}
					cmd := pendingCmd[v.ContextID]
					data := dataBuf[v.ContextID]
					dataBuf[v.ContextID] = nil
					pendingCmd[v.ContextID] = nil
					if cmd == nil || cmd.CommandField != CmdCStoreRQ {
						return fmt.Errorf("data pdv without pending c-store on context %d", v.ContextID)
					}
					if err := a.completeStore(conn, rq, actx, v.ContextID, cmd, data, peerMax); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("unexpected pdu 0x%02x mid-association", p.Type)
		}
	}
}

// handleCommand dispatches a fully assembled command set.
func (a *Acceptor) handleCommand(conn net.Conn, rq *AssociateRQ, actx acceptedContext, ctxID byte, cmd *Command, pending map[byte]*Command, peerMax uint32) error {
	switch cmd.CommandField {
	case CmdCEchoRQ:
		if a.Callbacks.OnEcho != nil {
			a.Callbacks.OnEcho(rq.CallingAE)
		}
		rsp := EncodeCommand(&Command{
			CommandField: CmdCEchoRSP,
			RespondedTo:  cmd.MessageID,
			SOPClassUID:  VerificationSOPClass,
			Status:       StatusSuccess,
		})
		return sendDataInPDVs(conn, ctxID, true, rsp, peerMax)
	case CmdCStoreRQ:
		if !cmd.HasDataSet {
			return fmt.Errorf("c-store-rq without data set")
		}
		pending[ctxID] = cmd
		return nil
	default:
		return fmt.Errorf("unsupported command 0x%04x", cmd.CommandField)
	}
}

// completeStore invokes the store callback and sends the C-STORE response.
func (a *Acceptor) completeStore(conn net.Conn, rq *AssociateRQ, actx acceptedContext, ctxID byte, cmd *Command, data []byte, peerMax uint32) error {
	status := StatusProcessingFailure
	if a.Callbacks.OnStore != nil {
		status = a.Callbacks.OnStore(&StoreRequest{
			CallingAE:      rq.CallingAE,
			CalledAE:       rq.CalledAE,
			SOPClassUID:    cmd.SOPClassUID,
			SOPInstanceUID: cmd.SOPInstanceUID,
			TransferSyntax: actx.transferSyntax,
			Data:           data,
		})
	}
	rsp := EncodeCommand(&Command{
		CommandField:   CmdCStoreRSP,
		RespondedTo:    cmd.MessageID,
		SOPClassUID:    cmd.SOPClassUID,
		SOPInstanceUID: cmd.SOPInstanceUID,
		Status:         status,
	})
	return sendDataInPDVs(conn, ctxID, true, rsp, peerMax)
}

// pickTransferSyntax selects the preferred transfer syntax from a proposal.
// Explicit little endian wins when offered; implicit is the fallback.
func pickTransferSyntax(offered []string) (string, bool) {
	hasImplicit := false
	for _, ts := range offered {
		if ts == ExplicitVRLittleEndian {
			return ts, true
		}
		if ts == ImplicitVRLittleEndian {
			hasImplicit = true
		}
	}
	if hasImplicit {
		return ImplicitVRLittleEndian, true
	}
	return "", false
}
