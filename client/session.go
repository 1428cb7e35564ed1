package client

import (
	"context"
	"net/http"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultAdaptRetryInterval is how long Session.Adapt sleeps between
	// pick attempts when the pool is momentarily empty.
	DefaultAdaptRetryInterval = 5 * time.Second
	// DefaultAdaptMaxRetries bounds Session.Adapt before it fails with
	// PoolExhausted instead of retrying forever.
	DefaultAdaptMaxRetries = 15
)

// Session binds an *http.Client to addresses picked from poold, and
// reports their outcome back when the caller is done with them. It is
// the Go equivalent of the original's IPv6Session.
type Session struct {
	Client *http.Client

	client        *Client
	adapter       SessionAdapter
	retryInterval time.Duration
	maxRetries    int
	log           *zap.SugaredLogger

	currentAddr model.Address
}

// NewSession builds a Session backed by an RPC client for serverURL
// and dbname; empty values fall back to the documented defaults.
func NewSession(serverURL, dbname string, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		Client:        &http.Client{},
		client:        New(serverURL, dbname),
		retryInterval: DefaultAdaptRetryInterval,
		maxRetries:    DefaultAdaptMaxRetries,
		log:           log,
	}
}

// Adapt picks an address from the pool and binds the session's client
// to it, retrying on NoAddress up to maxRetries. It fails with
// PoolExhausted once retries are exhausted, or Cancelled if ctx ends
// first.
func (s *Session) Adapt(ctx context.Context) (model.Address, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		addr, err := s.client.Pick(ctx)
		if err == nil {
			if err := s.adapter.Adapt(s.Client, addr); err != nil {
				return "", err
			}
			s.currentAddr = addr
			s.log.Infow("session adapted", "dbname", s.client.DBName, "addr", addr)
			return addr, nil
		}

		if apperrors.CodeOf(err) != apperrors.CodeNoAddress {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", apperrors.Cancelled("session adapt")
		case <-time.After(s.retryInterval):
		}
	}
	return "", apperrors.PoolExhausted(s.client.DBName)
}

// Report releases the session's current address back to the pool with
// the given status. It is a no-op if Adapt has never succeeded.
func (s *Session) Report(ctx context.Context, status model.AddrStatus, reason string) error {
	if s.currentAddr == "" {
		return nil
	}
	ok, err := s.client.Report(ctx, s.currentAddr, status, reason)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warnw("session report was a no-op", "dbname", s.client.DBName, "addr", s.currentAddr, "status", status)
		return nil
	}
	s.log.Infow("session reported", "dbname", s.client.DBName, "addr", s.currentAddr, "status", status)
	return nil
}

// CurrentAddress returns the address the session is currently bound
// to, or "" if Adapt has never succeeded.
func (s *Session) CurrentAddress() model.Address {
	return s.currentAddr
}
