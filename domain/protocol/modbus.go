package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

// modbusFuncReadHolding is Modbus function code 0x03 (Read Holding
// Registers), the only function this session needs for polling analog
// tags.
const modbusFuncReadHolding = 0x03

// ModbusSession is a Modbus-TCP session speaking the standard MBAP-framed
// wire protocol directly over net.Conn. It has no dependency on a
// third-party Modbus client; the framing is simple enough, and stable
// enough, to hand-roll against the documented wire format.
type ModbusSession struct {
	mu       sync.Mutex
	conn     net.Conn
	endpoint string
	unitID   byte
	txnSeq   uint16
}

// OpenModbus dials host:port (params "host","port", optional "unit_id")
// and returns a ready session. The wildcard endpoint 0.0.0.0 is rewritten
// to 127.0.0.1 before dialing (spec.md §4.5).
func OpenModbus(params map[string]string) (Session, error) {
	host := NormalizeEndpoint(params["host"])
	port := params["port"]
	if port == "" {
		port = "502"
	}
	unit := byte(1)
	if raw, ok := params["unit_id"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v <= 255 {
			unit = byte(v)
		}
	}

	endpoint := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", endpoint, DialTimeout)
	if err != nil {
		return nil, agenterrors.ConnectFailed(err)
	}
	return &ModbusSession{conn: conn, endpoint: endpoint, unitID: unit}, nil
}

func (m *ModbusSession) Probe(ctx context.Context) ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if m.conn == nil {
		conn, err := net.DialTimeout("tcp", m.endpoint, DialTimeout)
		if err != nil {
			return ProbeResult{OK: false, Err: err}
		}
		m.conn = conn
	}
	_ = m.conn.SetDeadline(time.Now().Add(DialTimeout))
	return ProbeResult{OK: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

// Read requests a single holding register at tag.Address (a decimal
// string) and decodes it according to tag.DataType ("uint16" default,
// "float32" as two big-endian registers).
func (m *ModbusSession) Read(ctx context.Context, tag Tag) (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return Sample{}, agenterrors.ReadError(fmt.Errorf("modbus: session closed"))
	}

	addr, err := strconv.Atoi(tag.Address)
	if err != nil {
		return Sample{}, agenterrors.ReadError(fmt.Errorf("modbus: invalid address %q: %w", tag.Address, err))
	}

	quantity := uint16(1)
	if tag.DataType == "float32" {
		quantity = 2
	}

	m.txnSeq++
	frame := m.buildReadFrame(m.txnSeq, uint16(addr), quantity)

	if deadline, ok := ctx.Deadline(); ok {
		_ = m.conn.SetDeadline(deadline)
	} else {
		_ = m.conn.SetDeadline(time.Now().Add(DialTimeout))
	}

	if _, err := m.conn.Write(frame); err != nil {
		return Sample{}, agenterrors.ReadError(err)
	}

	resp := make([]byte, 9+int(quantity)*2)
	if _, err := readFull(m.conn, resp); err != nil {
		return Sample{}, agenterrors.ReadError(err)
	}

	byteCount := int(resp[8])
	regs := resp[9 : 9+byteCount]

	var value float64
	if tag.DataType == "float32" && len(regs) >= 4 {
		bits := binary.BigEndian.Uint32(regs[:4])
		value = float64(math.Float32frombits(bits))
	} else if len(regs) >= 2 {
		value = float64(binary.BigEndian.Uint16(regs[:2]))
	}

	return Sample{Value: value, Quality: QualityGood}, nil
}

func (m *ModbusSession) buildReadFrame(txnID, addr, quantity uint16) []byte {
	frame := make([]byte, 12)
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], 6) // remaining length
	frame[6] = m.unitID
	frame[7] = modbusFuncReadHolding
	binary.BigEndian.PutUint16(frame[8:10], addr)
	binary.BigEndian.PutUint16(frame[10:12], quantity)
	return frame
}

func (m *ModbusSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

