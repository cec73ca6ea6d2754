// Package portalloc hands out free loopback TCP ports to supervised services.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Default range used by Allocate when the allocator is built with zero values.
const (
	DefaultRangeStart = 8000
	DefaultRangeSize  = 1000
)

// ErrResourceExhausted is returned when every port in the probed range is busy or reserved.
var ErrResourceExhausted = errors.New("no free port available")

// Allocator probes ports by binding 127.0.0.1:<port> and remembers every port it
// returned until Release is called. Probing is serialized, so concurrent callers
// never receive the same port while it is reserved.
type Allocator struct {
	mu       sync.Mutex
	start    int
	size     int
	reserved map[int]struct{}
	// listen is swapped in tests.
	listen func(network, addr string) (net.Listener, error)
}

// New returns an allocator whose Allocate method scans [start, start+size).
func New(start, size int) *Allocator {
	if start <= 0 {
		start = DefaultRangeStart
	}
	if size <= 0 {
		size = DefaultRangeSize
	}
	return &Allocator{
		start:    start,
		size:     size,
		reserved: make(map[int]struct{}),
		listen:   net.Listen,
	}
}

// Allocate finds a free port in the configured range.
func (a *Allocator) Allocate() (int, error) {
	return a.FindAvailablePort(a.start, a.size)
}

// FindAvailablePort tries start, start+1, ... for at most maxAttempts ports and
// returns the first one that binds. The probe listener is closed immediately;
// the returned port stays reserved until Release.
func (a *Allocator) FindAvailablePort(start, maxAttempts int) (int, error) {
	if start <= 0 || start > 65535 {
		return 0, fmt.Errorf("invalid start port %d", start)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := start; port < start+maxAttempts && port <= 65535; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		ln, err := a.listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrResourceExhausted, start, start+maxAttempts-1)
}

// Reserve marks an explicitly configured port as in use so auto allocation skips it.
func (a *Allocator) Reserve(port int) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	a.reserved[port] = struct{}{}
	a.mu.Unlock()
}

// Release returns a port to the pool. Unknown ports are ignored.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Reserved reports whether port is currently handed out.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	_, ok := a.reserved[port]
	a.mu.Unlock()
	return ok
}
