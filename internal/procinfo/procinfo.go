// Package procinfo describes the running process for spool metadata frames.
// It is called once, when a file sink is opened, never after a fault.
package procinfo

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/airbag/pkg/models"
)

// Collect gathers what is known about this process. Lookups that fail
// leave their fields empty.
func Collect(labels map[string]string) *models.Process {
	p := &models.Process{
		PID:       os.Getpid(),
		Args:      append([]string(nil), os.Args...),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		StartedAt: time.Now().UTC(),
	}
	if exe, err := os.Executable(); err == nil {
		p.Executable = exe
	}
	if name, err := os.Hostname(); err == nil {
		p.Hostname = name
	}

	if info, err := host.Info(); err == nil {
		if p.Hostname == "" {
			p.Hostname = info.Hostname
		}
		p.Platform = info.Platform
		if info.PlatformVersion != "" {
			p.Platform += " " + info.PlatformVersion
		}
		p.Kernel = info.KernelVersion
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.MemoryTotal = vm.Total
	}

	if proc, err := process.NewProcess(int32(p.PID)); err == nil {
		if ms, err := proc.MemoryInfo(); err == nil {
			p.RSS = ms.RSS
		}
		if created, err := proc.CreateTime(); err == nil && created > 0 {
			p.StartedAt = time.UnixMilli(created).UTC()
		}
	}

	if len(labels) > 0 {
		p.Labels = make(map[string]string, len(labels))
		for k, v := range labels {
			p.Labels[k] = v
		}
	}
	return p
}
