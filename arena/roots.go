package arena

// Roots are the only fixed entry points into a segment: a process that maps
// an existing segment finds the structures it needs by name and follows
// offsets from there.

// SetRoot registers off under name.
func (a *Arena) SetRoot(name string, off uint64) error {
	if name == "" || len(name) > MaxRootName {
		return ErrInvalidName
	}

	if off == 0 {
		return ErrRootNotFound
	}

	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	if a.head.findRoot(name) != nil {
		return ErrRootExists
	}

	for i := range a.head.roots {
		r := &a.head.roots[i]

		if r.off != 0 {
			continue
		}

		r.key = [MaxRootName + 1]byte{}
		copy(r.key[:], name)
		r.off = off
		return nil
	}

	return ErrRootsFull
}

// Root looks up the offset registered under name.
func (a *Arena) Root(name string) (off uint64, ok bool) {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	if r := a.head.findRoot(name); r != nil {
		return r.off, true
	}

	return
}

// DeleteRoot removes name from the root table.
func (a *Arena) DeleteRoot(name string) error {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	r := a.head.findRoot(name)

	if r == nil {
		return ErrRootNotFound
	}

	*r = root{}
	return nil
}

// Roots returns a copy of the root table.
func (a *Arena) Roots() map[string]uint64 {
	a.head.lock.Lock()
	defer a.head.lock.Unlock()

	roots := make(map[string]uint64)

	for i := range a.head.roots {
		if r := &a.head.roots[i]; r.off != 0 {
			roots[r.name()] = r.off
		}
	}

	return roots
}
