package lockorder

// Guard tracks the locks one worker currently holds and asserts each new
// acquisition against the validator before the worker takes the underlying
// mutex. One Guard belongs to one goroutine; it is not safe for concurrent
// use, which is the point: locks held by a worker are that worker's own.
type Guard struct {
	v    *Validator
	held []LockName
}

// NewGuard creates an empty Guard bound to the validator.
func (v *Validator) NewGuard() *Guard {
	return &Guard{v: v}
}

// Acquire validates taking name given the locks already held. On success the
// name is recorded as held. The caller takes the real mutex only after
// Acquire returns nil.
func (g *Guard) Acquire(name LockName) error {
	if err := g.v.ValidateOrder(append(append([]LockName{}, g.held...), name)); err != nil {
		return err
	}
	g.held = append(g.held, name)
	return nil
}

// Release drops name from the held set. Releasing a lock that is not held is
// a programming error and panics.
func (g *Guard) Release(name LockName) {
	for i := len(g.held) - 1; i >= 0; i-- {
		if g.held[i] == name {
			g.held = append(g.held[:i], g.held[i+1:]...)
			return
		}
	}
	panic("lockorder: release of lock not held: " + string(name))
}

// Held returns a copy of the currently held lock names in acquisition order.
func (g *Guard) Held() []LockName {
	out := make([]LockName, len(g.held))
	copy(out, g.held)
	return out
}
