package gpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeProber(out string, err error) *Prober {
	p := NewProber()
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), err
	}
	return p
}

func TestParse(t *testing.T) {
	out := "0, 0, 150\n1, 35, 9000\nbogus line\n2, 0, 201\n"
	devices := Parse(out, DefaultMemoryThresholdMB)
	assert.Equal(t, []Device{
		{Index: 0, Utilization: 0, MemoryUsedMB: 150, Idle: true},
		{Index: 1, Utilization: 35, MemoryUsedMB: 9000},
		{Index: 2, Utilization: 0, MemoryUsedMB: 201},
	}, devices)
}

func TestAvailable_IdleOnly(t *testing.T) {
	p := fakeProber("0, 0, 10\n1, 90, 10\n2, 0, 0\n", nil)
	assert.Equal(t, []int{0, 2}, p.Available(context.Background()))
	assert.Equal(t, 2, p.Count(context.Background()))
}

func TestAvailable_FallsBackToAllListed(t *testing.T) {
	p := fakeProber("0, 50, 4000\n1, 90, 10\n", nil)
	assert.Equal(t, []int{0, 1}, p.Available(context.Background()))
}

func TestAvailable_NoNvidiaSmi(t *testing.T) {
	p := fakeProber("", errors.New("executable file not found"))
	assert.Empty(t, p.Available(context.Background()))
}
