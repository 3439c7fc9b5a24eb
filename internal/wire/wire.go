// Package wire implements the root ASCII frame envelope shared by every
// federation sub-protocol: "advBBS|1|<TYPE>|<payload>".
package wire

import (
	"strings"

	"github.com/advbbs/advbbs/internal/shared"
)

const (
	ProtoName    = "advBBS"
	ProtoVersion = "1"

	// legacyProtoName is a prior protocol prefix that must be rejected
	// outright rather than silently ignored, per the versioned-framing
	// requirement.
	legacyProtoName = "FQ51"
)

// Frame is one parsed root-envelope frame. Payload retains the original
// pipe-delimited tail unsplit; callers split it further per their own
// frame shape (RAP_*, MAIL*, BOARD*).
type Frame struct {
	Type    string
	Payload string
}

// Encode renders a frame in root-envelope form.
func Encode(frameType, payload string) string {
	return strings.Join([]string{ProtoName, ProtoVersion, frameType, payload}, "|")
}

// Decode parses the root envelope off text, validating protocol name and
// version. Returns shared.ErrIncompatibleProto for the legacy FQ51 prefix or
// any version mismatch, and shared.ErrMalformedFrame for anything else that
// doesn't fit.
func Decode(text string) (Frame, error) {
	parts := strings.SplitN(text, "|", 4)
	if len(parts) < 3 {
		return Frame{}, shared.ErrMalformedFrame
	}
	if parts[0] == legacyProtoName {
		return Frame{}, shared.ErrIncompatibleProto
	}
	if parts[0] != ProtoName {
		return Frame{}, shared.ErrMalformedFrame
	}
	if parts[1] != ProtoVersion {
		return Frame{}, shared.ErrIncompatibleProto
	}

	f := Frame{Type: parts[2]}
	if len(parts) == 4 {
		f.Payload = parts[3]
	}
	return f, nil
}
