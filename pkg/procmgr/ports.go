package procmgr

import (
	"net"
	"strconv"
	"sync"

	"github.com/cdpkit/fleet/pkg/fleeterr"
)

// DefaultBasePort is the first remote-debugging port handed out
const DefaultBasePort = 9222

// PortAllocator hands out control ports, skipping ports held by other
// instances and ports already bound on the host
type PortAllocator struct {
	mu     sync.Mutex
	next   int
	base   int
	inUse  map[int]struct{}
	isFree func(port int) bool
}

// NewPortAllocator creates an allocator starting at base
func NewPortAllocator(base int) *PortAllocator {
	if base < 1024 || base > 65535 {
		base = DefaultBasePort
	}
	return &PortAllocator{
		next:   base,
		base:   base,
		inUse:  make(map[int]struct{}),
		isFree: portFree,
	}
}

// WithPortCheck replaces the host bind check, mainly for tests
func (a *PortAllocator) WithPortCheck(free func(port int) bool) *PortAllocator {
	a.isFree = free
	return a
}

// Allocate returns the next usable port
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := 65535 - a.base + 1
	for i := 0; i < span; i++ {
		port := a.next
		a.next++
		if a.next > 65535 {
			a.next = a.base
		}

		if _, held := a.inUse[port]; held {
			continue
		}
		if !a.isFree(port) {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, nil
	}

	return 0, fleeterr.New(fleeterr.CodeLaunchFailed, "no free control port").
		WithContext("base", a.base)
}

// Reserve marks an explicitly configured port as held
func (a *PortAllocator) Reserve(port int) error {
	if !ValidPort(port) || port == 0 {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "invalid port %d", port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.inUse[port]; held {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "port %d already in use", port)
	}
	a.inUse[port] = struct{}{}
	return nil
}

// Release returns a port to the allocator
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse returns the number of held ports
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
