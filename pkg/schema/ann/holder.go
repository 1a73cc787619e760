package ann

import "sync/atomic"

// Holder publishes the current index to concurrent readers. A reload swaps the
// pointer; in-flight queries keep the index they started with.
type Holder struct {
	p atomic.Pointer[Index]
}

// NewHolder returns a holder serving ix, which may be nil.
func NewHolder(ix *Index) *Holder {
	h := &Holder{}
	h.p.Store(ix)
	return h
}

// Get returns the current index or nil.
func (h *Holder) Get() *Index {
	if h == nil {
		return nil
	}
	return h.p.Load()
}

// Swap installs ix and returns the previous index.
func (h *Holder) Swap(ix *Index) *Index {
	return h.p.Swap(ix)
}

// Reload loads dir and installs it only if it passes want. On error the
// current index is left in place.
func (h *Holder) Reload(dir string, want Expect) (*Index, error) {
	ix, err := Load(dir, want)
	if err != nil {
		return nil, err
	}
	h.p.Store(ix)
	return ix, nil
}
