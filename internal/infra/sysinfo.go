package infra

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// GopsutilProber implements domain.SystemProber using gopsutil for
// cross-platform support.
type GopsutilProber struct {
	logger *zap.Logger
}

// NewSystemProber creates a host prober.
func NewSystemProber(logger *zap.Logger) domain.SystemProber {
	return &GopsutilProber{logger: logger}
}

// Probe samples host resource usage. Memory is required; cpu, uptime and
// load degrade to zero with a log line when the platform cannot report
// them.
func (p *GopsutilProber) Probe(ctx context.Context) (*domain.SystemInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "sampling host memory")
	}

	info := &domain.SystemInfo{
		MemTotal:       vm.Total,
		MemUsed:        vm.Used,
		MemUsedPercent: vm.UsedPercent,
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		p.logger.Debug("cpu sample failed", zap.Error(err))
	} else if len(percents) > 0 {
		info.CPUPercent = percents[0]
	}

	if uptime, err := host.UptimeWithContext(ctx); err != nil {
		p.logger.Debug("uptime sample failed", zap.Error(err))
	} else {
		info.UptimeSec = uptime
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		p.logger.Debug("load sample failed", zap.Error(err))
	} else {
		info.Load1 = avg.Load1
	}

	return info, nil
}

var _ domain.SystemProber = (*GopsutilProber)(nil)
