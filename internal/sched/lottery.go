package sched

import (
	"sync"
	"time"

	"github.com/biscuit-exok/exok/internal/proc"
)

// mt19937 is a from-scratch 32-bit Mersenne-twister-style generator: the
// classic MT19937 state transition and tempering, reseedable from wall
// clock components so two kernel instances started at different times
// don't draw identical lottery sequences.
type mt19937 struct {
	state [624]uint32
	index int
}

const (
	mtN         = 624
	mtM         = 397
	mtMatrixA   = 0x9908b0df
	mtUpperMask = 0x80000000
	mtLowerMask = 0x7fffffff
)

func newMT19937(seed uint32) *mt19937 {
	m := &mt19937{index: mtN}
	m.state[0] = seed
	for i := 1; i < mtN; i++ {
		m.state[i] = 1812433253*(m.state[i-1]^(m.state[i-1]>>30)) + uint32(i)
	}
	return m
}

func (m *mt19937) generate() {
	for i := 0; i < mtN; i++ {
		y := (m.state[i] & mtUpperMask) | (m.state[(i+1)%mtN] & mtLowerMask)
		next := m.state[(i+mtM)%mtN] ^ (y >> 1)
		if y&1 != 0 {
			next ^= mtMatrixA
		}
		m.state[i] = next
	}
	m.index = 0
}

func (m *mt19937) next() uint32 {
	if m.index >= mtN {
		m.generate()
	}
	y := m.state[m.index]
	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	m.index++
	return y
}

// seedFromClock derives a 32-bit seed from the wall-clock components the
// way a machine with no hardware RNG would: seconds + minutes*60 +
// hours*3600.
func seedFromClock(now time.Time) uint32 {
	h, m, s := now.Clock()
	return uint32(s + m*60 + h*3600)
}

// Lottery implements ticket-weighted scheduling: every Runnable
// environment holds a number of tickets (Env.Tickets), and the next
// environment to run is chosen by drawing a uniform random number in
// [0, totalTickets) and walking the runnable set until the cumulative
// ticket count exceeds the draw. The PRNG is lazily seeded on first use.
type Lottery struct {
	once sync.Once
	rng  *mt19937
}

func (l *Lottery) ensureSeeded() {
	l.once.Do(func() {
		l.rng = newMT19937(seedFromClock(time.Now()))
	})
}

// Next draws a ticket-weighted winner among t's Runnable environments.
// An environment with zero tickets never wins while any Runnable
// environment holds tickets. When the ticket total is zero, Next falls
// back to round-robin order and returns the first Runnable slot after
// lastRunning rather than dividing by zero.
func (l *Lottery) Next(t *proc.Table, lastRunning int) (int, bool) {
	l.ensureSeeded()

	slots := runnableSlots(t, lastRunning)
	if len(slots) == 0 {
		return 0, false
	}

	var total int64
	for _, idx := range slots {
		total += int64(t.At(idx).Tickets)
	}
	if total <= 0 {
		return slots[0], true
	}

	draw := int64(l.rng.next()) % total
	var cum int64
	for _, idx := range slots {
		cum += int64(t.At(idx).Tickets)
		if draw < cum {
			return idx, true
		}
	}
	return slots[len(slots)-1], true
}
