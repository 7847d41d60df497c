package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/zangezia/fieldsync/pkg/models"
)

// Service samples device resources for the status page and the enqueue
// disk-space guard
type Service struct {
	updateInterval      time.Duration
	cpuSmoothingSamples int

	mu             sync.RWMutex
	cpuReadings    []float64
	lastNetTime    time.Time
	lastNetBytes   uint64
	targetDiskPath string
}

// New creates a new monitoring service
func New(updateInterval time.Duration, cpuSamples int) *Service {
	if updateInterval <= 0 {
		updateInterval = 5 * time.Second
	}
	if cpuSamples <= 0 {
		cpuSamples = 1
	}
	return &Service{
		updateInterval:      updateInterval,
		cpuSmoothingSamples: cpuSamples,
		cpuReadings:         make([]float64, 0, cpuSamples),
	}
}

// SetTargetDisk sets the path whose volume free space is reported
func (s *Service) SetTargetDisk(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetDiskPath = path
}

// FreeSpace returns the free bytes of the volume holding path
func (s *Service) FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}

// Start begins monitoring. The channel is closed when ctx is done.
func (s *Service) Start(ctx context.Context) <-chan models.DeviceMetrics {
	metricsChan := make(chan models.DeviceMetrics, 10)

	go func() {
		defer close(metricsChan)

		ticker := time.NewTicker(s.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics := s.collectMetrics()
				select {
				case metricsChan <- metrics:
				default:
					// Channel full, skip this update
				}
			}
		}
	}()

	return metricsChan
}

func (s *Service) collectMetrics() models.DeviceMetrics {
	metrics := models.DeviceMetrics{}

	// CPU with smoothing
	cpuPercents, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercents) > 0 {
		s.mu.Lock()
		s.cpuReadings = append(s.cpuReadings, cpuPercents[0])
		if len(s.cpuReadings) > s.cpuSmoothingSamples {
			s.cpuReadings = s.cpuReadings[1:]
		}

		var sum float64
		for _, v := range s.cpuReadings {
			sum += v
		}
		metrics.CPUPercent = sum / float64(len(s.cpuReadings))
		s.mu.Unlock()
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.MemoryUsedBytes = memInfo.Used
		metrics.MemoryTotalBytes = memInfo.Total
		metrics.MemoryPercent = memInfo.UsedPercent
	}

	s.mu.RLock()
	diskPath := s.targetDiskPath
	s.mu.RUnlock()

	if diskPath != "" {
		if free, err := s.FreeSpace(diskPath); err == nil {
			metrics.FreeDiskBytes = free
			metrics.FreeDiskGB = float64(free) / 1024.0 / 1024.0 / 1024.0
		}
	}

	netStats, err := net.IOCounters(false)
	if err == nil && len(netStats) > 0 {
		stat := netStats[0]
		currentBytes := stat.BytesSent + stat.BytesRecv
		now := time.Now()

		s.mu.Lock()
		if !s.lastNetTime.IsZero() && currentBytes >= s.lastNetBytes {
			elapsed := now.Sub(s.lastNetTime).Seconds()
			if elapsed > 0 {
				metrics.NetworkBytesPerSec = float64(currentBytes-s.lastNetBytes) / elapsed
			}
		}
		s.lastNetBytes = currentBytes
		s.lastNetTime = now
		s.mu.Unlock()
	}

	return metrics
}

// GetMetrics returns current metrics (one-time snapshot)
func (s *Service) GetMetrics() models.DeviceMetrics {
	return s.collectMetrics()
}
