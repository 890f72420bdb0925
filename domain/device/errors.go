package device

import (
	"errors"

	"github.com/RohithBalasubramani/plc-logger/domain/protocol"
)

var errProbeFailed = errors.New("device: probe reported unhealthy without an explicit error")

// errMessage renders the reconnect failure cause for persistence on the
// Device record (spec.md §4.6 last_error).
func errMessage(result protocol.ProbeResult, cbErr error) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	if cbErr != nil {
		return cbErr.Error()
	}
	return errProbeFailed.Error()
}

func errMessageToError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
