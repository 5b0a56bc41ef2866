package errors

import "fmt"

// CodecErrorData contains structured data for wire-codec errors.
type CodecErrorData struct {
	Violation string `json:"violation,omitempty"`
	Fragment  string `json:"fragment,omitempty"`
}

// maxFragmentLen bounds how much of a bad frame travels inside error data.
const maxFragmentLen = 256

// MalformedMessage creates an error for a frame that could not be decoded
// into a valid message. Malformed frames are reported and discarded; the
// session stays alive unless the framing boundary itself is corrupted.
func MalformedMessage(violation string, frame []byte) EngineError {
	message := "malformed message"
	if violation != "" {
		message = fmt.Sprintf("malformed message: %s", violation)
	}

	fragment := string(frame)
	if len(fragment) > maxFragmentLen {
		fragment = fragment[:maxFragmentLen]
	}

	return New(
		CodeParseError,
		message,
		CategoryCodec,
		SeverityError,
	).WithData(&CodecErrorData{
		Violation: violation,
		Fragment:  fragment,
	})
}

// MalformedMessagef creates a malformed-message error with a formatted
// violation description.
func MalformedMessagef(frame []byte, format string, args ...interface{}) EngineError {
	return MalformedMessage(fmt.Sprintf(format, args...), frame)
}

// IsMalformedMessage reports whether an error is a wire-codec decode failure.
func IsMalformedMessage(err error) bool {
	return IsCode(err, CodeParseError)
}
