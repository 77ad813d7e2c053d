// cap.go - capability check consulted before an image is persisted
package pemit

import (
	"errors"
)

// CapabilityWriteImage names the capability required to persist an emitted
// image to storage.
const CapabilityWriteImage = "pe.write_image"

// ErrPermissionDenied is returned when a capability check denies an
// operation. A denial is final; it is never silently bypassed.
var ErrPermissionDenied = errors.New("permission denied")

// CapabilityChecker decides whether a named capability is granted. The
// emitter itself never writes files; callers that do are expected to consult
// a checker before persisting an Image.
type CapabilityChecker interface {
	Allowed(capability string) bool
}

// PathWriteChecker grants CapabilityWriteImage when the directory holding
// Path is writable by the current process, and denies everything else.
type PathWriteChecker struct {
	Path string
}

// Allowed implements CapabilityChecker.
func (c PathWriteChecker) Allowed(capability string) bool {
	if capability != CapabilityWriteImage {
		return false
	}
	return writeAllowed(c.Path)
}

// RequireWrite consults the checker and converts a denial into
// ErrPermissionDenied.
func RequireWrite(checker CapabilityChecker) error {
	if checker == nil {
		return nil
	}
	if !checker.Allowed(CapabilityWriteImage) {
		return ErrPermissionDenied
	}
	return nil
}
