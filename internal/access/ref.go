package access

import "sync/atomic"

// Ref is a swappable handle to the active controller. The executor and
// the reload endpoint share one Ref; reloads build a fresh controller
// and swap it in without pausing request handling.
type Ref struct {
	p atomic.Pointer[Controller]
}

func NewRef(c *Controller) *Ref {
	r := &Ref{}
	r.p.Store(c)
	return r
}

// Load returns the active controller.
func (r *Ref) Load() *Controller {
	return r.p.Load()
}

// Swap installs c as the active controller.
func (r *Ref) Swap(c *Controller) {
	r.p.Store(c)
}
