package transcode

import "sync"

// clientBufferBudget bounds the bytes a single client may leave unread
// before it is detached from the fan-out.
const clientBufferBudget = 1 << 20 // 1 MiB

// fanout copies one encoder output stream to every attached client through
// independent bounded buffers, so a stalled reader never blocks the encoder
// or its neighbours.
type fanout struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*clientStream
	closed  bool
	final   error
}

func newFanout() *fanout {
	return &fanout{clients: make(map[uint64]*clientStream)}
}

// addClient registers a reader. onClose runs exactly once when the reader is
// closed, after it has been removed from the fan-out.
func (f *fanout) addClient(onClose func()) *clientStream {
	c := &clientStream{fan: f, budget: clientBufferBudget, onClose: onClose}
	c.cond = sync.NewCond(&c.mu)

	f.mu.Lock()
	c.id = f.nextID
	f.nextID++
	if f.closed {
		// Stream already over; the reader observes the terminal error on
		// its first read.
		c.finalErr = f.final
	} else {
		f.clients[c.id] = c
	}
	f.mu.Unlock()
	return c
}

func (f *fanout) remove(id uint64) {
	f.mu.Lock()
	delete(f.clients, id)
	f.mu.Unlock()
}

// Write copies p to every attached client. A client whose pending bytes
// would exceed its budget is detached with ErrSlowClient; Write itself never
// fails, the encoder keeps streaming for the remaining clients.
func (f *fanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	for id, c := range f.clients {
		if !c.push(p) {
			delete(f.clients, id)
		}
	}
	f.mu.Unlock()
	return len(p), nil
}

// closeWith ends the stream. Attached readers drain whatever is pending and
// then observe err (io.EOF after a clean encoder exit).
func (f *fanout) closeWith(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.final = err
	clients := make([]*clientStream, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		c.finish(err)
	}
}

// clientStream is one attached client's view of the encoded stream: a
// bounded pending buffer plus a terminal error delivered once.
type clientStream struct {
	fan     *fanout
	id      uint64
	budget  int
	onClose func()
	once    sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []byte
	failErr  error // immediate: pending bytes are discarded
	finalErr error // delivered after pending bytes drain
}

// push appends p to the pending buffer. It reports false when the client
// overflowed its budget and must be dropped from the fan-out.
func (c *clientStream) push(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil || c.finalErr != nil {
		return false
	}
	if len(c.pending)+len(p) > c.budget {
		c.pending = nil
		c.failErr = ErrSlowClient
		c.cond.Broadcast()
		return false
	}
	c.pending = append(c.pending, p...)
	c.cond.Broadcast()
	return true
}

func (c *clientStream) finish(err error) {
	c.mu.Lock()
	if c.failErr == nil && c.finalErr == nil {
		c.finalErr = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *clientStream) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.failErr != nil {
			return 0, c.failErr
		}
		if len(c.pending) > 0 {
			n := copy(p, c.pending)
			c.pending = c.pending[n:]
			return n, nil
		}
		if c.finalErr != nil {
			return 0, c.finalErr
		}
		c.cond.Wait()
	}
}

// Close detaches the reader from the fan-out and wakes any blocked Read.
// Safe to call more than once.
func (c *clientStream) Close() error {
	c.once.Do(func() {
		c.fan.remove(c.id)

		c.mu.Lock()
		if c.failErr == nil {
			c.failErr = errStreamClosed
		}
		c.pending = nil
		c.cond.Broadcast()
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}
