package source

import (
	"context"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/eventgate/backend/internal/config"
)

// SysMetrics samples host CPU, memory, and load at a fixed interval. It is an
// infinite source; by default it runs eagerly so the first subscriber gets a
// warm sample instead of waiting a full interval.
type SysMetrics struct {
	id       string
	interval time.Duration
	lazy     bool
}

func NewSysMetrics(cfg config.SourceConfig) *SysMetrics {
	return &SysMetrics{
		id:       cfg.ID,
		interval: cfg.Interval,
		lazy:     cfg.IsLazy(),
	}
}

func (s *SysMetrics) ID() string   { return s.id }
func (s *SysMetrics) Kind() string { return config.KindSysMetrics }
func (s *SysMetrics) Finite() bool { return false }
func (s *SysMetrics) Lazy() bool   { return s.lazy }

func (s *SysMetrics) Run(ctx context.Context, sink Sink) error {
	// Prime the CPU delta so the first real sample has a measurement window.
	_, _ = cpu.PercentWithContext(ctx, 0, false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for seq := int64(0); ; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		payload, ok := s.sample(ctx)
		if !ok {
			continue
		}
		sink.Dispatch(Event{SourceID: s.id, Seq: seq, Payload: payload})
	}
}

// sample collects one metrics snapshot. Individual collector failures are
// logged and leave that field zero; the sample is only skipped when every
// collector fails.
func (s *SysMetrics) sample(ctx context.Context) (MetricsPayload, bool) {
	var p MetricsPayload
	failures := 0

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		p.CPUPercent = percents[0]
	} else {
		failures++
		if err != nil {
			log.Printf("sysmetrics %s: cpu sample failed: %v", s.id, err)
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.MemUsedPercent = vm.UsedPercent
	} else {
		failures++
		log.Printf("sysmetrics %s: memory sample failed: %v", s.id, err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		p.Load1 = avg.Load1
	} else {
		failures++
		log.Printf("sysmetrics %s: load sample failed: %v", s.id, err)
	}

	return p, failures < 3
}
