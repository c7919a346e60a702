package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/gaspool/internal/system"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const hostStatsInterval = 15 * time.Second

var (
	HostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_host_cpu_percent",
		Help: "Host CPU utilization percentage.",
	})

	HostMemoryUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_host_memory_used_percent",
		Help: "Host memory utilization percentage.",
	})

	HostMemoryUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_host_memory_used_bytes",
		Help: "Host memory in use, in bytes.",
	})
)

func init() {
	Registry.MustRegister(HostCPUPercent, HostMemoryUsedPercent, HostMemoryUsedBytes)
}

// NewHostStatsService polls host CPU and memory figures into the
// registry on a fixed interval.
func NewHostStatsService(log *logger.Logger) *system.Poller {
	return system.NewPoller("host-stats", hostStatsInterval, log, func(ctx context.Context) {
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			HostCPUPercent.Set(percents[0])
		} else if err != nil {
			log.WithError(err).Debugf("host cpu stats unavailable")
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			HostMemoryUsedPercent.Set(vm.UsedPercent)
			HostMemoryUsedBytes.Set(float64(vm.Used))
		} else {
			log.WithError(err).Debugf("host memory stats unavailable")
		}
	})
}
