// ABOUTME: Destination adapter surface: a uniform echo/send/close capability over DICOM-AE, XNAT, and filesystem sinks.
// ABOUTME: Errors are classified transient or permanent here so the retry layer never inspects transport details.
package dest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openimaging/dicomgate/config"
)

// Classification sentinels. A transient failure is worth scheduling a retry;
// a permanent one terminally fails the destination result.
var (
	ErrTransient = errors.New("transient destination error")
	ErrPermanent = errors.New("permanent destination error")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether an error was classified retryable. Unclassified
// errors count as transient so an unanticipated failure mode gets its retries.
func IsTransient(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// SendContext carries the per-route-destination options a send needs.
type SendContext struct {
	StudyUID  string
	CallingAE string
	Project   string
	Subject   string
	Session   string
}

// SendResult summarizes one adapter invocation.
type SendResult struct {
	Success          bool
	FilesTransferred int
	FilesFailed      int
	Message          string
	Duration         time.Duration
}

// Adapter is one outbound sink. Implementations are safe for concurrent use
// across distinct studies; the scheduler serializes calls within a study.
type Adapter interface {
	// Echo probes reachability. Used by the health monitor.
	Echo(ctx context.Context) error
	// SendStudy transfers the given files. A non-nil error is classified via
	// ErrTransient / ErrPermanent; a nil error with Success=false means
	// partial transfer (some instances stored).
	SendStudy(ctx context.Context, files []string, sc SendContext) (*SendResult, error)
	Close() error
}

// New builds the adapter for a configured destination.
func New(cfg config.Destination) (Adapter, error) {
	switch cfg.Kind {
	case config.KindDicom:
		return newDicomAdapter(cfg), nil
	case config.KindXNAT:
		return newXNATAdapter(cfg), nil
	case config.KindFS:
		return newFSAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", cfg.Kind)
	}
}

// timeoutFor returns the configured per-call timeout with a default.
func timeoutFor(cfg config.Destination) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}
