// Package monitor provides ordering monitors which serialize the admission
// of totally-ordered actions by a monotone sequence number. A Monitor tracks
// the highest sequence number to have left it, and admits an Order once every
// predecessor it depends on has left. The local ordering discipline (strictly
// serial) and the apply ordering discipline (parallel over non-conflicting
// predecessors) are both expressed through the Order's DependsOn.
package monitor

import (
	"sync"

	"github.com/pkg/errors"
)

// SeqnoUndefined is the undefined sequence number.
const SeqnoUndefined int64 = -1

// ErrInterrupted is returned by Enter or Drain when the waiter was
// interrupted by a concurrent Interrupt of its Order.
var ErrInterrupted = errors.New("interrupted")

// Order is an admission ticket of a Monitor. Seqno is the order's monotone
// sequence number. DependsOn is the sequence number which must have left the
// Monitor before this Order may enter.
type Order interface {
	Seqno() int64
	DependsOn() int64
}

// LocalOrder admits strictly in sequence: an order enters only after every
// predecessor has left.
type LocalOrder struct {
	seqno int64
}

// NewLocalOrder returns a LocalOrder of |seqno|.
func NewLocalOrder(seqno int64) LocalOrder { return LocalOrder{seqno: seqno} }

// Seqno returns the order's sequence number.
func (o LocalOrder) Seqno() int64 { return o.seqno }

// DependsOn returns the immediate predecessor: local orders are serial.
func (o LocalOrder) DependsOn() int64 { return o.seqno - 1 }

// ApplyOrder admits once its last dependent predecessor has left, allowing
// non-conflicting orders to proceed in parallel.
type ApplyOrder struct {
	seqno   int64
	depends int64
}

// NewApplyOrder returns an ApplyOrder of |seqno| gated on |depends|.
func NewApplyOrder(seqno, depends int64) ApplyOrder {
	return ApplyOrder{seqno: seqno, depends: depends}
}

// Seqno returns the order's global sequence number.
func (o ApplyOrder) Seqno() int64 { return o.seqno }

// DependsOn returns the latest predecessor which must commit first.
func (o ApplyOrder) DependsOn() int64 { return o.depends }

type slotState int

const (
	slotWaiting slotState = iota
	slotEntered
	slotFinished
)

// Monitor serializes entry of Orders by their monotone sequence numbers.
// Every sequence number above the monitor's position must pass through it
// exactly once, via Enter & Leave or via SelfCancel.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	lastEntered int64
	lastLeft    int64
	slots       map[int64]slotState
	interrupts  map[int64]struct{}

	// Rolling apply statistics.
	entered  int64 // Total orders entered.
	oooEnter int64 // Entered before their predecessor had left.
	oooLeave int64 // Left before their predecessor had left.
	winSum   int64 // Sum of (seqno - lastLeft) observed at enter.
}

// New returns a Monitor positioned at SeqnoUndefined. It must be positioned
// with SetInitialPosition before use.
func New() *Monitor {
	var m = &Monitor{
		lastEntered: SeqnoUndefined,
		lastLeft:    SeqnoUndefined,
		slots:       make(map[int64]slotState),
		interrupts:  make(map[int64]struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enter blocks until |o| may enter the Monitor: every sequence number up to
// and including its DependsOn has left or been self-cancelled. Sequence
// numbers between DependsOn and |o| need not have left. It returns
// ErrInterrupted if a concurrent Interrupt cancelled the wait.
func (m *Monitor) Enter(o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqno = o.Seqno()
	if seqno <= m.lastLeft {
		panic("order enters at or below monitor position")
	}
	m.slots[seqno] = slotWaiting

	for {
		if _, ok := m.interrupts[seqno]; ok {
			delete(m.interrupts, seqno)
			delete(m.slots, seqno)
			m.cond.Broadcast()
			return ErrInterrupted
		}
		if m.lastLeft >= o.DependsOn() {
			break
		}
		m.cond.Wait()
	}

	m.slots[seqno] = slotEntered
	if seqno > m.lastEntered {
		m.lastEntered = seqno
	}
	m.entered++
	m.winSum += seqno - m.lastLeft
	if m.lastLeft != seqno-1 {
		m.oooEnter++
	}
	return nil
}

// Leave marks |o| as having left, advances the monitor position over every
// contiguous finished sequence number, and wakes waiters.
func (m *Monitor) Leave(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqno = o.Seqno()
	if m.slots[seqno] != slotEntered {
		panic("leave of order which never entered")
	}
	if seqno != m.lastLeft+1 {
		m.oooLeave++
	}
	m.slots[seqno] = slotFinished
	m.advance()
	m.cond.Broadcast()
}

// SelfCancel marks |o| as done without entering, with the same ordering
// accounting as an Enter immediately followed by Leave. It panics if |o| has
// already entered.
func (m *Monitor) SelfCancel(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqno = o.Seqno()
	if m.slots[seqno] == slotEntered {
		panic("self-cancel of entered order")
	}
	delete(m.interrupts, seqno)
	m.slots[seqno] = slotFinished
	m.advance()
	m.cond.Broadcast()
}

// Interrupt forces a concurrently blocked Enter of |o| to return
// ErrInterrupted. Interrupt of an order which already entered or left is
// ignored; Interrupt is idempotent.
func (m *Monitor) Interrupt(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqno = o.Seqno()
	if seqno <= m.lastLeft {
		return
	}
	if s, ok := m.slots[seqno]; ok && s != slotWaiting {
		return
	}
	m.interrupts[seqno] = struct{}{}
	m.cond.Broadcast()
}

// Drain blocks until the monitor position reaches |upto|.
func (m *Monitor) Drain(upto int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.lastLeft < upto {
		m.cond.Wait()
	}
}

// SetInitialPosition resets the monitor position to |p|. Admissible only at
// initialization or after a state transfer, when no order is in flight.
func (m *Monitor) SetInitialPosition(p int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEntered, m.lastLeft = p, p
	m.slots = make(map[int64]slotState)
	m.interrupts = make(map[int64]struct{})
	m.cond.Broadcast()
}

// LastLeft returns the monitor position: the highest sequence number through
// which all orders have left.
func (m *Monitor) LastLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLeft
}

// Stats returns the fraction of orders which entered out-of-order, the
// fraction which left out-of-order, and the average distance between an
// entering order and the monitor position.
func (m *Monitor) Stats() (oooe, oool, window float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entered == 0 {
		return 0, 0, 0
	}
	oooe = float64(m.oooEnter) / float64(m.entered)
	oool = float64(m.oooLeave) / float64(m.entered)
	window = float64(m.winSum) / float64(m.entered)
	return
}

func (m *Monitor) advance() {
	for {
		if s, ok := m.slots[m.lastLeft+1]; ok && s == slotFinished {
			delete(m.slots, m.lastLeft+1)
			delete(m.interrupts, m.lastLeft+1)
			m.lastLeft++
		} else {
			return
		}
	}
}
