// Package spawner generates fresh, verified IPv6 addresses within the
// currently active prefix and hands them to GlobalDB.
package spawner

import (
	"context"
	"crypto/rand"
	"net"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

const (
	maxCollisionRetries = 16
	maxCheckRetries     = 3
	consecutiveFailCap  = 4 // multiplied by n in Spawns' overall budget
)

// PrefixSource supplies the currently active prefix.
type PrefixSource interface {
	Current() model.Prefix
}

// Checker verifies a candidate address is actually usable.
type Checker interface {
	Check(ctx context.Context, addr model.Address) bool
}

// GlobalStore is the subset of GlobalDB the spawner needs: a
// membership check plus insertion.
type GlobalStore interface {
	Has(addr model.Address) bool
	Add(addr model.Address) error
}

// Spawner generates addresses within the current prefix, verifies them
// with a Checker, and persists accepted ones to a GlobalStore.
type Spawner struct {
	Prefix  PrefixSource
	Checker Checker
	Global  GlobalStore
}

// New builds a Spawner from its three collaborators.
func New(prefix PrefixSource, checker Checker, global GlobalStore) *Spawner {
	return &Spawner{Prefix: prefix, Checker: checker, Global: global}
}

// Spawn generates one fresh, checked address and adds it to GlobalDB.
// It returns NoPrefix if the current prefix is unknown, and a plain
// ("", false, nil) result if every candidate failed its check --
// mirroring the original's convention that a spawn failure is not an
// exceptional outcome but a network-quality signal for the caller.
func (s *Spawner) Spawn(ctx context.Context) (model.Address, bool, error) {
	prefix := s.Prefix.Current()
	if prefix.IsZero() {
		return "", false, apperrors.NoPrefix()
	}

	for retry := 0; retry < maxCheckRetries; retry++ {
		addr, err := s.generateCandidate(prefix)
		if err != nil {
			return "", false, err
		}
		if addr == "" {
			// exhausted collision retries for this attempt; try again
			continue
		}
		if s.Checker.Check(ctx, addr) {
			if err := s.Global.Add(addr); err != nil {
				return "", false, apperrors.Internal("persist spawned address", err)
			}
			return addr, true, nil
		}
	}
	return "", false, nil
}

// Spawns generates up to n addresses, tolerating consecutiveFailCap*n
// (spec default 4n) failures before giving up. It returns the accepted
// addresses and whether it managed to reach exactly n.
func (s *Spawner) Spawns(ctx context.Context, n int) ([]model.Address, bool, error) {
	if n <= 0 {
		return nil, true, nil
	}
	addrs := make([]model.Address, 0, n)
	fails := 0
	failCap := consecutiveFailCap * n

	for len(addrs) < n {
		select {
		case <-ctx.Done():
			return addrs, false, ctx.Err()
		default:
		}

		addr, ok, err := s.Spawn(ctx)
		if err != nil {
			return addrs, false, err
		}
		if ok {
			addrs = append(addrs, addr)
			fails = 0
			continue
		}
		fails++
		if fails >= failCap {
			break
		}
	}

	return addrs, len(addrs) == n, nil
}

// generateCandidate merges the prefix's network bits with CSPRNG-filled
// host bits and rejects on collision with the existing GlobalDB,
// retrying up to maxCollisionRetries times. An empty return with a nil
// error means the retry budget was exhausted.
func (s *Spawner) generateCandidate(prefix model.Prefix) (model.Address, error) {
	mask := prefix.Network.Mask
	base := prefix.Network.IP.To16()

	buf := make([]byte, 16)
	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		if _, err := rand.Read(buf); err != nil {
			return "", apperrors.Internal("read csprng", err)
		}

		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = (base[i] & mask[i]) | (buf[i] &^ mask[i])
		}

		addr, err := model.ParseAddress(ip.String())
		if err != nil {
			return "", apperrors.Internal("build candidate", err)
		}
		if s.Global.Has(addr) {
			continue
		}
		return addr, nil
	}
	return "", nil
}
