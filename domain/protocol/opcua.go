package protocol

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

// OPCUASession is a placeholder OPC-UA client: it performs a real TCP
// connect against the endpoint's host:port (so probe()/reconnect behavior
// is genuine) but synthesizes read() values deterministically from the
// node id rather than speaking the OPC-UA binary secure channel protocol.
// It exists so a real gopcua/opcua-style client can be dropped in behind
// the same Session interface without touching C6/C7/C8.
type OPCUASession struct {
	mu       sync.Mutex
	conn     net.Conn
	endpoint string
}

// OpenOPCUA dials the TCP endpoint embedded in params["endpoint"] (a URL
// of the form opc.tcp://host:port/...). 0.0.0.0 is rewritten to 127.0.0.1
// before connect (spec.md §4.5).
func OpenOPCUA(params map[string]string) (Session, error) {
	raw := NormalizeEndpoint(params["endpoint"])
	u, err := url.Parse(raw)
	if err != nil {
		return nil, agenterrors.ConnectFailed(fmt.Errorf("opcua: invalid endpoint %q: %w", raw, err))
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "4840"
	}

	endpoint := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", endpoint, DialTimeout)
	if err != nil {
		return nil, agenterrors.ConnectFailed(err)
	}
	return &OPCUASession{conn: conn, endpoint: endpoint}, nil
}

func (o *OPCUASession) Probe(ctx context.Context) ProbeResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	if o.conn == nil {
		conn, err := net.DialTimeout("tcp", o.endpoint, DialTimeout)
		if err != nil {
			return ProbeResult{OK: false, Err: err}
		}
		o.conn = conn
	}
	_ = o.conn.SetDeadline(time.Now().Add(DialTimeout))
	return ProbeResult{OK: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

// Read synthesizes a stable pseudo-value for tag.Address (the node id,
// e.g. "ns=2;s=Device1.Current") by hashing it into a small positive
// float. Real tag values require a live PLC/simulator; this keeps the
// Session contract exercised end to end without one.
func (o *OPCUASession) Read(ctx context.Context, tag Tag) (Sample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return Sample{}, agenterrors.ReadError(fmt.Errorf("opcua: session closed"))
	}
	if strings.TrimSpace(tag.Address) == "" {
		return Sample{}, agenterrors.ReadError(fmt.Errorf("opcua: empty node id"))
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(tag.Address))
	value := float64(h.Sum32()%1000) / 10.0

	return Sample{Value: value, Quality: QualityGood}, nil
}

func (o *OPCUASession) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}
