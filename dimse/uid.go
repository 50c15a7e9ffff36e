// ABOUTME: Well-known DICOM UIDs: transfer syntaxes, verification, and the storage SOP classes accepted by default.
// ABOUTME: The storage list mirrors the modalities a routing gateway commonly fronts.
package dimse

// Transfer syntaxes.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Application context and verification.
const (
	ApplicationContextName = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass   = "1.2.840.10008.1.1"
)

// Implementation identity announced in association user info.
const (
	ImplementationClassUID   = "1.2.826.0.1.3680043.10.1082.1"
	ImplementationVersion    = "DICOMGATE_10"
	DefaultMaxPDULength      = 16384
	maxAcceptablePDULength   = 1 << 26 // refuse absurd PDU length claims
	defaultAssocTimeoutSecs  = 30
	protocolVersionSupported = 1
)

// DefaultStorageSOPClasses is the storage presentation context set offered and
// accepted when a route does not enumerate its own.
var DefaultStorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",     // Computed Radiography
	"1.2.840.10008.5.1.4.1.1.1.1",   // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.2",     // CT
	"1.2.840.10008.5.1.4.1.1.2.1",   // Enhanced CT
	"1.2.840.10008.5.1.4.1.1.3.1",   // Ultrasound Multi-frame
	"1.2.840.10008.5.1.4.1.1.4",     // MR
	"1.2.840.10008.5.1.4.1.1.4.1",   // Enhanced MR
	"1.2.840.10008.5.1.4.1.1.6.1",   // Ultrasound
	"1.2.840.10008.5.1.4.1.1.7",     // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.12.1",  // X-Ray Angiographic
	"1.2.840.10008.5.1.4.1.1.20",    // Nuclear Medicine
	"1.2.840.10008.5.1.4.1.1.128",   // PET
	"1.2.840.10008.5.1.4.1.1.88.11", // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22", // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.66",    // Raw Data
}

// DIMSE status codes used by the gateway.
const (
	StatusSuccess             uint16 = 0x0000
	StatusOutOfResources      uint16 = 0xA700
	StatusProcessingFailure   uint16 = 0x0110
	StatusSOPClassNotSupport  uint16 = 0x0122
	StatusCannotUnderstand    uint16 = 0xC000
	StatusRefusedNotAuthorized uint16 = 0x0124
)

// IsTransientStatus reports whether a C-STORE response status indicates a
// condition worth retrying. 0xCxxx statuses mean "cannot understand / failure,
// may succeed later"; 0xAxxx statuses are refusals treated as permanent.
func IsTransientStatus(status uint16) bool {
	if status == StatusSuccess {
		return false
	}
	return status&0xF000 == 0xC000 || status == StatusOutOfResources
}
