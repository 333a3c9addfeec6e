// Package atomic wraps sync/atomic with named types, so call sites read
// "counter.Inc()" rather than bare atomic.Int64 arithmetic.
package atomic

import "sync/atomic"

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Inc() int64       { return i.v.Add(1) }
func (i *Int64) Dec() int64       { return i.v.Add(-1) }
func (i *Int64) Add(d int64) int64 { return i.v.Add(d) }
func (i *Int64) Load() int64      { return i.v.Load() }
func (i *Int64) Store(n int64)    { i.v.Store(n) }
func (i *Int64) CAS(old, nw int64) bool { return i.v.CompareAndSwap(old, nw) }

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Inc() int32        { return i.v.Add(1) }
func (i *Int32) Dec() int32        { return i.v.Add(-1) }
func (i *Int32) Load() int32       { return i.v.Load() }
func (i *Int32) Store(n int32)     { i.v.Store(n) }
func (i *Int32) CAS(old, nw int32) bool { return i.v.CompareAndSwap(old, nw) }

type Bool struct{ v atomic.Bool }

func (b *Bool) Store(val bool) { b.v.Store(val) }
func (b *Bool) Load() bool     { return b.v.Load() }
func (b *Bool) CAS(old, nw bool) bool { return b.v.CompareAndSwap(old, nw) }

type Uint64 struct{ v atomic.Uint64 }

func (u *Uint64) Inc() uint64    { return u.v.Add(1) }
func (u *Uint64) Load() uint64   { return u.v.Load() }
func (u *Uint64) Store(n uint64) { u.v.Store(n) }
