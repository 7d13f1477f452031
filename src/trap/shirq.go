package trap

import "sync"

// SharedIRQ chains multiple device handlers behind a single allocated
// vector, for hardware that shares one physical IRQ line across several
// devices. Grounded on interrupt.c's allocate_shirq/register_shirq/
// shirq_handler, which installs one dispatch-table entry that walks a
// list of registered handlers in turn.
type SharedIRQ struct {
	mu       sync.Mutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	h    Handler
}

// NewSharedIRQ builds an empty chain. Register it with a Dispatcher via
// RegisterInterrupt(vector, name, shared.Invoke).
func NewSharedIRQ() *SharedIRQ {
	return &SharedIRQ{}
}

// Register appends h to the chain under name.
func (s *SharedIRQ) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{name: name, h: h})
}

// Invoke runs every registered handler in registration order. It is the
// Handler installed for the shared vector.
func (s *SharedIRQ) Invoke() {
	s.mu.Lock()
	handlers := append([]namedHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, nh := range handlers {
		nh.h()
	}
}
