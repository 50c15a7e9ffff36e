// ABOUTME: Honest-broker identity crosswalk: maps (input_id, id_type) to stable de-identified output IDs.
// ABOUTME: Also hosts the deterministic date-shift and UID-hashing transforms applied during anonymization.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/openimaging/dicomgate/config"
)

// Broker resolves one identity namespace. Lookups for the same input always
// return the same output for the life of the backing store.
type Broker interface {
	Lookup(ctx context.Context, inputID, idType string) (string, error)
	Close() error
}

// New builds the backend a broker config names.
func New(cfg config.Broker) (Broker, error) {
	switch cfg.Backend {
	case "local":
		return OpenLocal(cfg)
	case "remote":
		return NewRemote(cfg), nil
	case "script":
		return NewScript(cfg), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}

// seedFor derives a stable 64-bit seed from an input identifier.
func seedFor(inputID string) uint64 {
	sum := sha256.Sum256([]byte(inputID))
	return binary.BigEndian.Uint64(sum[:8])
}

// ShiftDays returns the stable date-shift offset for an input id, drawn from
// [minDays, maxDays]. Repeated calls with the same input yield the same shift
// so all dates in a patient's record move together.
func ShiftDays(inputID string, minDays, maxDays int) int {
	if maxDays < minDays {
		minDays, maxDays = maxDays, minDays
	}
	span := uint64(maxDays - minDays + 1)
	return minDays + int(seedFor(inputID)%span)
}

// ShiftDate applies a day offset to a DA-formatted value (YYYYMMDD).
// Unparseable values pass through unchanged.
func ShiftDate(da string, days int) string {
	da = strings.TrimSpace(da)
	t, err := time.Parse("20060102", da)
	if err != nil {
		return da
	}
	return t.AddDate(0, 0, days).Format("20060102")
}

// HashUID maps a UID to a deterministic replacement under a site-owned root.
// The suffix is the decimal rendering of the SHA-256 prefix, truncated so the
// whole UID stays within the 64-character limit.
func HashUID(uidRoot, uid string) string {
	if uidRoot == "" {
		uidRoot = "2.25"
	}
	sum := sha256.Sum256([]byte(uid))
	n := new(big.Int).SetBytes(sum[:16])
	suffix := n.String()
	if max := 64 - len(uidRoot) - 1; len(suffix) > max {
		suffix = suffix[:max]
	}
	return uidRoot + "." + suffix
}
