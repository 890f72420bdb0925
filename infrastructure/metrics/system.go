package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemRingCapacity holds roughly 10 minutes of 1Hz samples
// (spec.md §4.9 "bounded ring (~10 minutes)").
const systemRingCapacity = 600

// SystemSample is one second's host resource snapshot.
type SystemSample struct {
	UnixSecond int64
	CPUPercent float64
	MemPercent float64
	DiskRxBps  float64
	DiskTxBps  float64
	NetRxBps   float64
	NetTxBps   float64
}

// SystemSampler is the 1Hz host metrics collector (spec.md §4.9 "system
// sampler").
type SystemSampler struct {
	mu      sync.Mutex
	samples []SystemSample
	pos     int
	len     int

	prom *Metrics
	now  func() time.Time

	prevDiskRead, prevDiskWrite uint64
	prevNetRecv, prevNetSent    uint64
	havePrevDisk, havePrevNet   bool
}

// NewSystemSampler constructs a sampler. prom may be nil to skip the
// additive Prometheus export of cpu%/mem%.
func NewSystemSampler(prom *Metrics) *SystemSampler {
	return &SystemSampler{
		samples: make([]SystemSample, systemRingCapacity),
		prom:    prom,
		now:     time.Now,
	}
}

// Run samples once a second until ctx is canceled. Intended to run as one
// of the long-lived threads described in spec.md §5.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *SystemSampler) sampleOnce(ctx context.Context) {
	sample := SystemSample{UnixSecond: s.now().Unix()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemPercent = vm.UsedPercent
	}

	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		var readBytes, writeBytes uint64
		for _, c := range counters {
			readBytes += c.ReadBytes
			writeBytes += c.WriteBytes
		}
		s.mu.Lock()
		if s.havePrevDisk {
			sample.DiskRxBps = float64(readBytes - s.prevDiskRead)
			sample.DiskTxBps = float64(writeBytes - s.prevDiskWrite)
		}
		s.prevDiskRead, s.prevDiskWrite = readBytes, writeBytes
		s.havePrevDisk = true
		s.mu.Unlock()
	}

	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		recv, sent := counters[0].BytesRecv, counters[0].BytesSent
		s.mu.Lock()
		if s.havePrevNet {
			sample.NetRxBps = float64(recv - s.prevNetRecv)
			sample.NetTxBps = float64(sent - s.prevNetSent)
		}
		s.prevNetRecv, s.prevNetSent = recv, sent
		s.havePrevNet = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.samples[s.pos] = sample
	s.pos = (s.pos + 1) % len(s.samples)
	if s.len < len(s.samples) {
		s.len++
	}
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.SetHostUsage(sample.CPUPercent, sample.MemPercent)
	}
}

// Snapshot returns every sample within the last windowS seconds
// (spec.md §4.9 snapshot(window_s)).
func (s *SystemSampler) Snapshot(windowS int) []SystemSample {
	floor := s.now().Add(-time.Duration(windowS) * time.Second).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SystemSample, 0, s.len)
	for i := 0; i < s.len; i++ {
		if s.samples[i].UnixSecond >= floor {
			out = append(out, s.samples[i])
		}
	}
	return out
}
