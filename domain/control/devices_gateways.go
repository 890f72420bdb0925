package control

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/ratelimit"
)

// --- Devices -------------------------------------------------------------

func (s *Service) ListDevices(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(devices)
}

// CreateDevice registers a device, sealing an optional credential blob
// (e.g. OPC-UA username/password) through the Secret Box before it ever
// reaches the catalog (spec.md §4.2 "secrets(sealed)").
func (s *Service) CreateDevice(ctx context.Context, token string, d catalog.Device, secretPlaintext []byte) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if len(secretPlaintext) > 0 && s.secretBox != nil {
		sealed, err := s.secretBox.Seal(secretPlaintext)
		if err != nil {
			return fail(errors.Wrap(errors.CodeConnectFailed, "failed to seal device secret", 500, err))
		}
		d.SealedSecret = sealed
	}
	created, reused, err := s.store.CreateDevice(ctx, d)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"device": created, "reused": reused})
}

func (s *Service) DeleteDevice(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.supervisor.Disconnect(ctx, id); err != nil {
		return fail(err)
	}
	if err := s.store.DeleteDevice(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) QuickTestDevice(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	d, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return fail(err)
	}
	lat, err := s.supervisor.QuickTest(ctx, d)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"latency_ms": lat})
}

// --- Gateways --------------------------------------------------------------

func (s *Service) ListGateways(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	gateways, err := s.store.ListGateways(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(gateways)
}

func (s *Service) CreateGateway(ctx context.Context, token string, g catalog.Gateway) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	created, err := s.store.CreateGateway(ctx, g)
	if err != nil {
		return fail(err)
	}
	return ok(created)
}

func (s *Service) DeleteGateway(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.store.DeleteGateway(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) limiterFor(gatewayID string) *ratelimit.RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.gatewayLimiters[gatewayID]
	if !ok {
		rl = ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: 1.0 / gatewayTestInterval.Seconds(),
			Burst:             1,
		})
		s.gatewayLimiters[gatewayID] = rl
	}
	return rl
}

// TestGateway pings/TCP-probes a gateway, rate limited to one test per
// gateway per 3s (spec.md §5 "RATE_LIMITED").
func (s *Service) TestGateway(ctx context.Context, token, id string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if !s.limiterFor(id).Allow() {
		return fail(errors.RateLimited(gatewayTestInterval.Milliseconds()))
	}

	g, err := s.store.GetGateway(ctx, id)
	if err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	status := catalog.GatewayReachable
	if err := probeGatewayTCP(g); err != nil {
		status = catalog.GatewayUnreachable
	}
	if err := s.store.RecordGatewayTest(ctx, id, status, &now, &now); err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"status": status})
}

// probeGatewayTCP dials the gateway's first declared port (falling back to
// 502) to classify it reachable/unreachable for the test verb.
func probeGatewayTCP(g catalog.Gateway) error {
	port := 502
	if len(g.Ports) > 0 {
		port = g.Ports[0]
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", g.Host, port), 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
