// Package gpu discovers idle GPUs by querying nvidia-smi
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultMemoryThresholdMB is the most memory an idle GPU may have in use
const DefaultMemoryThresholdMB = 200

var queryArgs = []string{
	"--query-gpu=index,utilization.gpu,memory.used",
	"--format=csv,noheader,nounits",
}

// Device is one row of nvidia-smi output
type Device struct {
	Index        int  `json:"index"`
	Utilization  int  `json:"utilization"`
	MemoryUsedMB int  `json:"memory_used_mb"`
	Idle         bool `json:"idle"`
}

// Parse reads "index, util, mem" lines. Malformed lines are skipped.
func Parse(output string, thresholdMB int) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		var vals [3]int
		ok := true
		for i := 0; i < 3; i++ {
			v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		devices = append(devices, Device{
			Index:        vals[0],
			Utilization:  vals[1],
			MemoryUsedMB: vals[2],
			Idle:         vals[1] == 0 && vals[2] <= thresholdMB,
		})
	}
	return devices
}

// Prober runs nvidia-smi
type Prober struct {
	Command     string
	ThresholdMB int

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewProber returns a prober for the nvidia-smi on PATH
func NewProber() *Prober {
	return &Prober{
		Command:     "nvidia-smi",
		ThresholdMB: DefaultMemoryThresholdMB,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Devices lists every GPU nvidia-smi reports. A missing or failing
// nvidia-smi yields no devices.
func (p *Prober) Devices(ctx context.Context) []Device {
	out, err := p.run(ctx, p.Command, queryArgs...)
	if err != nil {
		log.Debug().Err(err).Msg("nvidia-smi unavailable")
		return nil
	}
	return Parse(string(out), p.ThresholdMB)
}

// Available returns the indices of idle GPUs, or of every listed GPU when
// none is idle
func (p *Prober) Available(ctx context.Context) []int {
	devices := p.Devices(ctx)
	var idle, all []int
	for _, d := range devices {
		all = append(all, d.Index)
		if d.Idle {
			idle = append(idle, d.Index)
		}
	}
	if len(idle) > 0 {
		return idle
	}
	return all
}

// Count returns len(Available)
func (p *Prober) Count(ctx context.Context) int {
	return len(p.Available(ctx))
}
