package bridge

import (
	"context"
	"fmt"

	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/device"
	"github.com/abihf/camsink/power"
)

type entry struct {
	machine *power.Machine
	dev     *device.Device
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry keeps camera entries in creation order and hands out their
// names. Indices never change.
type Registry struct {
	entries []*entry
	names   NamingAllocator
}

// NextName allocates the display name of the next camera facing f.
func (r *Registry) NextName(f capture.Facing) string {
	return r.names.Next(f)
}

func (r *Registry) add(e *entry) {
	r.entries = append(r.entries, e)
}

// Len returns the number of registered cameras.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) get(i int) *entry {
	return r.entries[i]
}

// NamingAllocator hands out display names counted per facing direction:
// "Back Camera", "Back Camera 2", "Front Camera" and so on.
type NamingAllocator struct {
	counts map[capture.Facing]int
}

// Next returns the name for the next camera facing f.
func (a *NamingAllocator) Next(f capture.Facing) string {
	if a.counts == nil {
		a.counts = make(map[capture.Facing]int)
	}
	a.counts[f]++
	base := "Back Camera"
	if f == capture.FacingFront {
		base = "Front Camera"
	}
	if n := a.counts[f]; n > 1 {
		return fmt.Sprintf("%s %d", base, n)
	}
	return base
}
