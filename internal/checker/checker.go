// Package checker verifies that an IPv6 address is actually usable as
// an outbound source address by round-tripping an HTTP probe through
// it.
package checker

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/hexpool/ipv6pool/internal/util/parallel"
)

const defaultParallelism = 8

// Checker probes a fixed URL to confirm an address is reachable and
// that replies actually route back to it.
type Checker struct {
	ProbeURL    string
	Timeout     time.Duration
	Parallelism int
}

// New builds a Checker that probes probeURL with the given per-probe
// timeout (spec default 5s) and parallelism (spec default 8).
func New(probeURL string, timeout time.Duration, parallelism int) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Checker{ProbeURL: probeURL, Timeout: timeout, Parallelism: parallelism}
}

// Check performs a single probe bound to addr's source address. It
// returns true only if a 2xx response arrives within the deadline and
// the response body, trimmed, equals addr's canonical text. Any
// lower-level failure collapses to false, never an error: an unusable
// address is an expected outcome, not an exceptional one.
func (c *Checker) Check(ctx context.Context, addr model.Address) bool {
	ip := addr.IP()
	if ip == nil {
		return false
	}

	dialer := &net.Dialer{
		Timeout:   c.Timeout,
		LocalAddr: &net.TCPAddr{IP: ip},
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: c.Timeout,
	}
	client := &http.Client{Transport: transport, Timeout: c.Timeout}
	defer transport.CloseIdleConnections()

	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.ProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(body)) == addr.String()
}

// Checks probes every address in addrs, up to Parallelism at a time,
// returning results in the same order as addrs.
func (c *Checker) Checks(ctx context.Context, addrs []model.Address) []bool {
	return parallel.Map(ctx, c.Parallelism, addrs, func(ctx context.Context, a model.Address) bool {
		return c.Check(ctx, a)
	})
}
