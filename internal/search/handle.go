package search

// Handle is one caller's interest in a name. Several handles may share the
// underlying search.
type Handle struct {
	engine *Engine
	name   string
	id     uint32
	ch     chan Result
}

// C delivers the resolution at most once. It is closed without a value
// when the search is cancelled by name.
func (h *Handle) C() <-chan Result { return h.ch }
func (h *Handle) ID() uint32       { return h.id }
func (h *Handle) Name() string     { return h.name }

// Cancel withdraws this handle. The search stops once no handle wants it.
func (h *Handle) Cancel() { h.engine.detach(h) }
