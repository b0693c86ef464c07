// Package introspect exports a live snapshot of frame reference counts
// and environment-table occupancy as a pprof profile, giving external
// tooling (go tool pprof) a consumable view of kernel heap state without
// adding a bespoke wire format.
package introspect

import (
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
)

// FrameProfile builds a profile.Profile whose samples are in-use frames
// and whose values are (refcount, 1) — the second value lets a reader
// sum "frame count" the way pprof's "objects" sample type is conventionally
// used alongside a "bytes"-like measurement.
func FrameProfile(alloc *mem.Allocator) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "refcount", Unit: "count"},
			{Type: "frames", Unit: "count"},
		},
	}

	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "frame"}
	loc.Line = []profile.Line{{Function: fn, Line: 1}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for i := 0; i < alloc.NFrames(); i++ {
		pa := mem.Pa(i) << mem.PGSHIFT
		rc := alloc.Refcnt(pa)
		if rc == 0 {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(rc), 1},
			Label:    map[string][]string{"frame": {strconv.Itoa(i)}},
		})
	}
	return p
}

// EnvProfile builds a profile.Profile over the environment table: one
// sample per occupied slot, valued by its ticket count.
func EnvProfile(t *proc.Table) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "tickets", Unit: "count"}},
	}
	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "environment"}
	loc.Line = []profile.Line{{Function: fn, Line: 1}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for i := 0; i < proc.NumSlots; i++ {
		e := t.At(i)
		if e.Status == proc.StatusFree {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(e.Tickets)},
			Label:    map[string][]string{"env": {strconv.Itoa(i)}, "status": {e.Status.String()}},
		})
	}
	return p
}
