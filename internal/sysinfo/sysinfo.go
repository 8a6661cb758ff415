// Package sysinfo gathers host facts for the relay server's status report.
//
// Facts are collected with gopsutil. A fact that cannot be read is left at its
// zero value; only context cancellation fails a collection.
package sysinfo

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostInfo describes the machine commands run on.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	Arch            string `json:"arch"`
	CPUThreads      int    `json:"cpuThreads"`
	UptimeSeconds   uint64 `json:"uptimeSeconds"`

	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`

	MemoryTotal       uint64  `json:"memoryTotal"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`

	CollectedAt time.Time `json:"collectedAt"`
}

// Collect reads the current host facts.
func Collect(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CollectedAt: time.Now().UTC(),
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.UptimeSeconds = h.Uptime
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUThreads = n
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
		info.Load5 = avg.Load5
		info.Load15 = avg.Load15
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsedPercent = vm.UsedPercent
	}

	return info, nil
}

// Cache serves the last collection for up to ttl, so frequent status requests
// do not each walk /proc.
type Cache struct {
	ttl     time.Duration
	collect func(context.Context) (*HostInfo, error)

	mu   sync.Mutex
	last *HostInfo
}

// NewCache creates a Cache around Collect.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, collect: Collect}
}

// Get returns cached facts, collecting fresh ones when the cache is empty or stale.
func (c *Cache) Get(ctx context.Context) (*HostInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && time.Since(c.last.CollectedAt) < c.ttl {
		return c.last, nil
	}
	info, err := c.collect(ctx)
	if err != nil {
		return nil, err
	}
	c.last = info
	return info, nil
}
