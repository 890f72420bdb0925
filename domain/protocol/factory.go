package protocol

import (
	"fmt"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
)

// Open dials a session for the given protocol via OpenModbus or OpenOPCUA;
// any other protocol is an error.
func Open(protocol catalog.Protocol, params map[string]string) (Session, error) {
	switch protocol {
	case catalog.ProtocolModbus:
		return OpenModbus(params)
	case catalog.ProtocolOPCUA:
		return OpenOPCUA(params)
	default:
		return nil, fmt.Errorf("protocol: unsupported protocol %q", protocol)
	}
}
