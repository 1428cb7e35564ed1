// Package prefixer determines the currently active IPv6 prefix by
// reading the global addresses assigned to a network interface.
package prefixer

import (
	"net"
	"sort"
	"sync"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

// Prefixer reads global IPv6 addresses off a named interface and
// exposes the current prefix. It is a pure reader: it never mutates
// kernel state.
type Prefixer struct {
	iface       string
	prefixBits  int
	interfaces  func() ([]net.Addr, error)

	mu      sync.RWMutex
	current model.Prefix
}

// New builds a Prefixer bound to iface, deriving prefixes of the given
// bit length (spec default 64).
func New(iface string, prefixBits int) *Prefixer {
	p := &Prefixer{iface: iface, prefixBits: prefixBits}
	p.interfaces = func() ([]net.Addr, error) {
		ifc, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, apperrors.NoInterface(iface)
		}
		return ifc.Addrs()
	}
	return p
}

// Current returns the last successfully detected prefix, or the zero
// Prefix if Refresh has never succeeded.
func (p *Prefixer) Current() model.Prefix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Refresh re-reads the interface's addresses, updates Current, and
// returns the freshly detected prefix. It fails with NoInterface if
// the interface does not exist and NoGlobalAddress if the interface
// carries no usable global IPv6 address.
func (p *Prefixer) Refresh() (model.Prefix, error) {
	addrs, err := p.interfaces()
	if err != nil {
		return model.Prefix{}, err
	}

	candidates := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.To4() != nil {
			continue
		}
		if !isGlobalUnicast(ip) {
			continue
		}
		candidates = append(candidates, ip)
	}

	if len(candidates) == 0 {
		return model.Prefix{}, apperrors.NoGlobalAddress(p.iface)
	}

	// Deterministic tie-break: lowest-numbered address wins.
	sort.Slice(candidates, func(i, j int) bool {
		return bytesLess(candidates[i].To16(), candidates[j].To16())
	})

	prefix, err := model.NewPrefix(p.iface, candidates[0], p.prefixBits)
	if err != nil {
		return model.Prefix{}, apperrors.Internal("build prefix", err)
	}

	p.mu.Lock()
	p.current = prefix
	p.mu.Unlock()

	return prefix, nil
}

// isGlobalUnicast excludes link-local, loopback, and unspecified
// addresses; it does not attempt to distinguish RFC 4941 temporary
// addresses from stable ones since the kernel does not expose that bit
// through net.Interface.Addrs.
func isGlobalUnicast(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	return ip.IsGlobalUnicast()
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
