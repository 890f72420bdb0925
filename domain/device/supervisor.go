// Package device implements the Device Session Manager (C6): a
// single-threaded supervisor that drives every auto-reconnecting device
// through disconnected → reconnecting → connected, and hands job workers
// the live protocol.Session for a connected device (spec.md §4.6).
package device

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/protocol"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/logging"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/resilience"
)

const (
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
	backoffMultiplier = 1.7
	jitterFraction    = 0.3
	postConnectFloor  = 5 * time.Second
)

// runtime tracks the live, non-persisted reconnect state for one device —
// the Catalog only ever sees the coarse DeviceStatus/latency/last_error
// projection of this.
type runtime struct {
	session     protocol.Session
	delay       time.Duration
	nextAttempt time.Time
	breaker     *resilience.CircuitBreaker
}

// Supervisor is the single reconnect-supervisor thread described in
// spec.md §4.6. Call Tick once a second; it scans every registered device
// whose next_attempt has elapsed and advances its state machine.
type Supervisor struct {
	store  catalog.Store
	logger *logging.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// NewSupervisor constructs a Supervisor over store, used both to read
// device configuration (protocol/params) and to persist status
// transitions.
func NewSupervisor(store catalog.Store, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		logger:   logger,
		runtimes: make(map[string]*runtime),
	}
}

func (s *Supervisor) runtimeFor(deviceID string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[deviceID]
	if !ok {
		rt = &runtime{
			// delay starts below minBackoff so the first failure's
			// nextBackoff clamps to exactly minBackoff (spec.md §4.6 S4).
			delay: 0,
			breaker: resilience.New(resilience.Config{
				MaxFailures: 5,
				Timeout:     maxBackoff,
				OnStateChange: func(from, to resilience.State) {
					if logger != nil {
						logger.LogDeviceIO(context.Background(), deviceID, "circuit_"+to.String(), nil)
					}
				},
			}),
		}
		s.runtimes[deviceID] = rt
	}
	return rt
}

// Session returns the live protocol.Session for a connected device, or
// false if the device is not currently connected. Ownership is exclusive
// to the caller's tick (spec.md §5): the Job Engine must not retain it
// past one read.
func (s *Supervisor) Session(deviceID string) (protocol.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[deviceID]
	if !ok || rt.session == nil {
		return nil, false
	}
	return rt.session, true
}

// Tick scans every auto-reconnect device and advances those whose
// next_attempt has elapsed (spec.md §4.6).
func (s *Supervisor) Tick(ctx context.Context) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return
	}

	now := time.Now()
	for _, d := range devices {
		if !d.AutoReconnect {
			continue
		}
		if d.Status == catalog.DeviceConnected {
			continue
		}
		rt := s.runtimeFor(d.ID)
		if now.Before(rt.nextAttempt) {
			continue
		}
		s.attempt(ctx, d, rt, now)
	}
}

func (s *Supervisor) attempt(ctx context.Context, d catalog.Device, rt *runtime, now time.Time) {
	_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceReconnecting, nil, nil)

	var result protocol.ProbeResult
	cbErr := rt.breaker.Execute(ctx, func() error {
		session, err := protocol.Open(d.Protocol, d.Params)
		if err != nil {
			result = protocol.ProbeResult{OK: false, Err: err}
			return err
		}
		result = session.Probe(ctx)
		if !result.OK {
			session.Close()
			if result.Err != nil {
				return result.Err
			}
			return errProbeFailed
		}

		s.mu.Lock()
		if rt.session != nil {
			rt.session.Close()
		}
		rt.session = session
		s.mu.Unlock()
		return nil
	})

	if cbErr == nil && result.OK {
		s.onSuccess(ctx, d, rt, result)
		return
	}
	s.onFailure(ctx, d, rt, errMessage(result, cbErr), now)
}

func (s *Supervisor) onSuccess(ctx context.Context, d catalog.Device, rt *runtime, result protocol.ProbeResult) {
	rt.delay = minBackoff
	rt.nextAttempt = time.Now().Add(postConnectFloor)
	lat := result.LatencyMs
	_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceConnected, &lat, nil)
	if s.logger != nil {
		s.logger.LogDeviceIO(ctx, d.ID, "reconnect", nil)
	}
}

func (s *Supervisor) onFailure(ctx context.Context, d catalog.Device, rt *runtime, cause string, now time.Time) {
	wait := nextBackoff(rt.delay)
	rt.delay = scaledBackoff(rt.delay)
	rt.nextAttempt = now.Add(wait)
	_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceReconnecting, nil, &cause)
	if s.logger != nil {
		s.logger.LogDeviceIO(ctx, d.ID, "reconnect", errMessageToError(cause))
	}
}

// QuickTest performs a one-shot probe outside the reconnect cadence and
// updates the device's status/latency accordingly (spec.md §4.6
// quick_test).
func (s *Supervisor) QuickTest(ctx context.Context, d catalog.Device) (float64, error) {
	session, err := protocol.Open(d.Protocol, d.Params)
	if err != nil {
		msg := err.Error()
		_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceDisconnected, nil, &msg)
		return 0, err
	}
	defer session.Close()

	result := session.Probe(ctx)
	if !result.OK {
		msg := ""
		if result.Err != nil {
			msg = result.Err.Error()
		}
		_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceDisconnected, nil, &msg)
		return 0, result.Err
	}

	lat := result.LatencyMs
	_ = s.store.UpdateDeviceStatus(ctx, d.ID, catalog.DeviceConnected, &lat, nil)
	return lat, nil
}

// nextBackoff implements spec.md §4.6's exact reconnect delay formula:
// delay ← min(30s, max(1s, delay·1.7)) plus uniform jitter in [0, 0.3·delay].
// The returned wait includes the jitter; the next step's base is
// scaledBackoff(delay), without it.
func nextBackoff(delay time.Duration) time.Duration {
	scaled := scaledBackoff(delay)
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(scaled))
	return scaled + jitter
}

// scaledBackoff is the pre-jitter delay: min(30s, max(1s, delay·1.7)).
func scaledBackoff(delay time.Duration) time.Duration {
	scaled := time.Duration(float64(delay) * backoffMultiplier)
	if scaled < minBackoff {
		scaled = minBackoff
	}
	if scaled > maxBackoff {
		scaled = maxBackoff
	}
	return scaled
}

// Disconnect forces a device back to disconnected, closing any live
// session (used by user-initiated disable/disconnect, spec.md §4.6).
func (s *Supervisor) Disconnect(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[deviceID]
	if ok && rt.session != nil {
		rt.session.Close()
		rt.session = nil
	}
	s.mu.Unlock()
	return s.store.UpdateDeviceStatus(ctx, deviceID, catalog.DeviceDisconnected, nil, nil)
}
