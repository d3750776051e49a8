// Package stats provides small atomic counter/gauge types, grounded on
// the WorkerStats pattern in the teacher's secondary/projector/worker.go
// (stats.BoolVal, stats.Uint64Val). DcpChannel uses Uint64Val for its
// flow-control byte counter and BoolVal for its closed flag, without
// taking a lock on the hot path.
package stats

import "sync/atomic"

// Uint64Val is a monotonically-adjustable atomic counter.
type Uint64Val struct {
	v uint64
}

func (s *Uint64Val) Init()                { atomic.StoreUint64(&s.v, 0) }
func (s *Uint64Val) Add(delta uint64)     { atomic.AddUint64(&s.v, delta) }
func (s *Uint64Val) Set(val uint64)       { atomic.StoreUint64(&s.v, val) }
func (s *Uint64Val) Value() uint64        { return atomic.LoadUint64(&s.v) }
func (s *Uint64Val) Reset() uint64        { return atomic.SwapUint64(&s.v, 0) }

// Int64Val is a signed atomic counter, for values that can legally
// move negative transiently.
type Int64Val struct {
	v int64
}

func (s *Int64Val) Init()            { atomic.StoreInt64(&s.v, 0) }
func (s *Int64Val) Add(delta int64)  { atomic.AddInt64(&s.v, delta) }
func (s *Int64Val) Set(val int64)    { atomic.StoreInt64(&s.v, val) }
func (s *Int64Val) Value() int64     { return atomic.LoadInt64(&s.v) }

// BoolVal is an atomic boolean flag.
type BoolVal struct {
	v uint32
}

func (s *BoolVal) Init() { atomic.StoreUint32(&s.v, 0) }

func (s *BoolVal) Set(b bool) {
	if b {
		atomic.StoreUint32(&s.v, 1)
	} else {
		atomic.StoreUint32(&s.v, 0)
	}
}

func (s *BoolVal) Value() bool { return atomic.LoadUint32(&s.v) != 0 }

// CompareAndSwap reproduces the teacher's idiom for "only one goroutine
// wins this transition" checks (e.g. close-once semantics).
func (s *BoolVal) CompareAndSwap(old, new bool) bool {
	var o, n uint32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapUint32(&s.v, o, n)
}
