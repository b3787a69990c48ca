// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package progress composes the progress of long-running operations
// into a single fraction and carries their cancellation signal.
package progress // import "zombiezen.com/go/keepdb/pkg/progress"

import (
	"context"
	"sync"
)

// A Progress tracks completed units of work out of a total.  Children
// can be attached so that each accounts for a fixed number of the
// parent's units.  A nil *Progress is valid and ignores all updates,
// which lets callers that do not care about progress pass nil.
//
// Progress is safe to use from multiple goroutines.
type Progress struct {
	mu        sync.Mutex
	total     int64
	completed int64
	children  []child
	parent    *Progress

	// root only
	onChange func(float64)
	last     float64
}

type child struct {
	p       *Progress
	pending int64
}

// New returns a progress with the given number of units.
func New(total int64) *Progress {
	return &Progress{total: total}
}

// OnChange sets a function that is called with the overall fraction
// whenever it increases.  Reported fractions never decrease.
func (p *Progress) OnChange(f func(fraction float64)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.onChange = f
	p.mu.Unlock()
}

// AddChild attaches c so that its completion accounts for pending of
// p's units.  c must not already have a parent.
func (p *Progress) AddChild(c *Progress, pending int64) {
	if p == nil || c == nil {
		return
	}
	c.mu.Lock()
	if c.parent != nil {
		c.mu.Unlock()
		panic("progress: child already attached")
	}
	c.parent = p
	c.mu.Unlock()

	p.mu.Lock()
	p.children = append(p.children, child{c, pending})
	p.mu.Unlock()
	p.changed()
}

// Child is shorthand for creating a progress with total units and
// attaching it to p with the given pending units.
func (p *Progress) Child(total, pending int64) *Progress {
	c := New(total)
	p.AddChild(c, pending)
	return c
}

// SetTotal changes the number of units.
func (p *Progress) SetTotal(total int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.total = total
	p.mu.Unlock()
	p.changed()
}

// Total returns the number of units.
func (p *Progress) Total() int64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Add marks n more units completed.
func (p *Progress) Add(n int64) {
	if p == nil || n == 0 {
		return
	}
	p.mu.Lock()
	p.completed += n
	p.mu.Unlock()
	p.changed()
}

// SetCompleted sets the number of completed units.
func (p *Progress) SetCompleted(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.completed = n
	p.mu.Unlock()
	p.changed()
}

// Finish marks every unit of p completed, including pending child units.
func (p *Progress) Finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.total <= 0 {
		p.total = 1
	}
	p.completed = p.total
	kids := p.children
	p.children = nil
	p.mu.Unlock()
	for _, c := range kids {
		c.p.mu.Lock()
		c.p.parent = nil
		c.p.mu.Unlock()
	}
	p.changed()
}

// Fraction returns the completed fraction in [0, 1], counting children
// in proportion to their pending units.
func (p *Progress) Fraction() float64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	total := p.total
	done := float64(p.completed)
	kids := make([]child, len(p.children))
	copy(kids, p.children)
	p.mu.Unlock()

	for _, c := range kids {
		done += c.p.Fraction() * float64(c.pending)
	}
	if total <= 0 {
		return 0
	}
	f := done / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

// changed notifies the root of p's tree.
func (p *Progress) changed() {
	root := p
	for {
		root.mu.Lock()
		next := root.parent
		root.mu.Unlock()
		if next == nil {
			break
		}
		root = next
	}
	f := root.Fraction()

	root.mu.Lock()
	fn := root.onChange
	if f <= root.last {
		root.mu.Unlock()
		return
	}
	root.last = f
	root.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// A Meter converts a stream of small work units into batched progress
// updates and cancellation checks.
type Meter struct {
	ctx     context.Context
	p       *Progress
	batch   int64
	pending int64
}

// DefaultBatch is the number of cipher blocks (or KDF rounds) processed
// between cancellation checks.
const DefaultBatch = 1024

// NewMeter returns a meter that reports to p every batch units and
// checks ctx at the same points.  A batch <= 0 means DefaultBatch.
func NewMeter(ctx context.Context, p *Progress, batch int64) *Meter {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Meter{ctx: ctx, p: p, batch: batch}
}

// Step records n processed units.  When a batch boundary is crossed,
// Step reports progress and returns an *Interruption if ctx is done.
func (m *Meter) Step(n int64) error {
	m.pending += n
	if m.pending < m.batch {
		return nil
	}
	m.p.Add(m.pending)
	m.pending = 0
	return Check(m.ctx)
}

// Flush reports any units not yet reported.
func (m *Meter) Flush() {
	if m.pending > 0 {
		m.p.Add(m.pending)
		m.pending = 0
	}
}
