package monitor

import (
	"context"
	"errors"
	"math"
	"sync"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

// Sample is one observation of a pid.
type Sample struct {
	Alive      bool
	CPUPercent float64
	MemoryMB   float64
}

// Prober observes OS processes by pid.
type Prober interface {
	Probe(ctx context.Context, pid int) (Sample, error)
	// Retain drops cached state for every pid not in keep.
	Retain(keep map[int]struct{})
}

// PsutilProber samples processes with gopsutil. Handles are cached per pid
// so that CPU percent is measured over the interval between two passes.
type PsutilProber struct {
	mu    sync.Mutex
	procs map[int]*psprocess.Process
}

func NewPsutilProber() *PsutilProber {
	return &PsutilProber{procs: make(map[int]*psprocess.Process)}
}

func (p *PsutilProber) Probe(ctx context.Context, pid int) (Sample, error) {
	if pid <= 0 {
		return Sample{}, nil
	}
	exists, err := psprocess.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{}, err
	}
	if !exists {
		p.forget(pid)
		return Sample{}, nil
	}
	proc, err := p.handle(ctx, pid)
	if errors.Is(err, psprocess.ErrorProcessNotRunning) {
		return Sample{}, nil
	}
	if err != nil {
		return Sample{}, err
	}
	if st, err := proc.StatusWithContext(ctx); err == nil {
		for _, s := range st {
			if s == psprocess.Zombie {
				p.forget(pid)
				return Sample{}, nil
			}
		}
	}
	out := Sample{Alive: true}
	if cpu, err := proc.PercentWithContext(ctx, 0); err == nil {
		out.CPUPercent = round1(cpu)
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.MemoryMB = round1(float64(mem.RSS) / 1024 / 1024)
	}
	return out, nil
}

func (p *PsutilProber) handle(ctx context.Context, pid int) (*psprocess.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.procs[pid]; ok {
		return h, nil
	}
	h, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	p.procs[pid] = h
	return h, nil
}

func (p *PsutilProber) forget(pid int) {
	p.mu.Lock()
	delete(p.procs, pid)
	p.mu.Unlock()
}

func (p *PsutilProber) Retain(keep map[int]struct{}) {
	p.mu.Lock()
	for pid := range p.procs {
		if _, ok := keep[pid]; !ok {
			delete(p.procs, pid)
		}
	}
	p.mu.Unlock()
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
