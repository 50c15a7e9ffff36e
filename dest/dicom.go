// ABOUTME: DICOM-AE destination adapter: one association per send, C-STORE per instance, C-ECHO health probe.
// ABOUTME: Classification: refused association / timeout / 0xC statuses are transient, 0xA refusals permanent.
package dest

import (
	"context"
	"fmt"
	"time"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dimse"
)

type dicomAdapter struct {
	name      string
	addr      string
	aeTitle   string
	callingAE string
	timeout   time.Duration
}

var _ Adapter = (*dicomAdapter)(nil)

func newDicomAdapter(cfg config.Destination) *dicomAdapter {
	return &dicomAdapter{
		name:    cfg.Name,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		aeTitle: cfg.AETitle,
		timeout: timeoutFor(cfg),
	}
}

// Echo opens an association, performs C-ECHO, and releases.
func (a *dicomAdapter) Echo(ctx context.Context) error {
	client, err := dimse.Connect(ctx, a.addr, a.caller(), a.aeTitle, nil, a.timeout)
	if err != nil {
		return a.classifyConnect(err)
	}
	defer client.Release()
	if err := client.Echo(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

// SendStudy stores every file over one association, tracking per-instance
// outcomes. Success means all instances stored; a partial store yields
// Success=false with no error so the caller can surface it as PARTIAL.
func (a *dicomAdapter) SendStudy(ctx context.Context, files []string, sc SendContext) (*SendResult, error) {
	start := time.Now()

	// Collect the SOP classes to negotiate up front.
	sopClasses := map[string]bool{}
	parsed := make([]*dimse.Part10File, 0, len(files))
	for _, path := range files {
		f, err := dimse.ReadPart10(path)
		if err != nil {
			return nil, Permanent(fmt.Errorf("read %s: %w", path, err))
		}
		parsed = append(parsed, f)
		sopClasses[f.SOPClassUID] = true
	}
	classes := make([]string, 0, len(sopClasses))
	for c := range sopClasses {
		classes = append(classes, c)
	}

	caller := sc.CallingAE
	if caller == "" {
		caller = a.caller()
	}
	client, err := dimse.Connect(ctx, a.addr, caller, a.aeTitle, classes, a.timeout)
	if err != nil {
		return nil, a.classifyConnect(err)
	}
	defer client.Release()

	res := &SendResult{}
	var lastErr error
	for _, f := range parsed {
		status, err := client.Store(ctx, f)
		if err != nil {
			res.FilesFailed++
			lastErr = Transient(fmt.Errorf("store %s: %w", f.SOPInstanceUID, err))
			continue
		}
		if status != dimse.StatusSuccess {
			res.FilesFailed++
			storeErr := fmt.Errorf("store %s: status 0x%04x", f.SOPInstanceUID, status)
			if dimse.IsTransientStatus(status) {
				lastErr = Transient(storeErr)
			} else {
				lastErr = Permanent(storeErr)
			}
			continue
		}
		res.FilesTransferred++
	}

	res.Duration = time.Since(start)
	res.Success = res.FilesFailed == 0 && res.FilesTransferred > 0
	if res.FilesTransferred == 0 && lastErr != nil {
		return nil, lastErr
	}
	if res.Success {
		res.Message = fmt.Sprintf("stored %d instances to %s", res.FilesTransferred, a.aeTitle)
	} else {
		res.Message = fmt.Sprintf("stored %d of %d instances to %s", res.FilesTransferred, len(files), a.aeTitle)
	}
	return res, nil
}

func (a *dicomAdapter) Close() error { return nil }

// caller is the AE title announced on outbound associations.
func (a *dicomAdapter) caller() string {
	if a.callingAE != "" {
		return a.callingAE
	}
	return "DICOMGATE"
}

// classifyConnect maps association setup failures. Refused, reset, timeout,
// and rejection are all transient: the peer may simply be restarting.
func (a *dicomAdapter) classifyConnect(err error) error {
	return Transient(err)
}
