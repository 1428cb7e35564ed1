package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

// SessionAdapter binds an *http.Client to a specific source IPv6
// address, replacing the transport in place. It is the Go equivalent
// of the original's HTTPAdapter/session-mount pair: rather than
// mounting a per-scheme adapter on a requests.Session, it swaps the
// Client's Transport for one whose Dialer is pinned to the address.
type SessionAdapter struct{}

// ForceIPv4 and ForceIPv6 exist as no-ops on the Go client: each Adapt
// call already pins the exact source address via net.Dialer.LocalAddr,
// so there is no process-wide address-family preference to toggle the
// way the original mutates urllib3's allowed_gai_family.
func (SessionAdapter) ForceIPv4() {}
func (SessionAdapter) ForceIPv6() {}

// Adapt rebinds client's transport to dial outbound connections from
// addr. It closes idle connections on the previous transport first, so
// no connection pooled under the old source address survives the
// switch.
func (SessionAdapter) Adapt(client *http.Client, addr model.Address) error {
	ip := addr.IP()
	if ip == nil {
		return apperrors.Malformed("invalid IPv6 address: " + string(addr))
	}

	if prev, ok := client.Transport.(*http.Transport); ok {
		prev.CloseIdleConnections()
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		LocalAddr: &net.TCPAddr{IP: ip},
	}
	client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}
	return nil
}
