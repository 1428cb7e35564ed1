// Package poolsvc wires the prefix reader, route reconciler, checker,
// spawner and durable stores into the single orchestrator that both
// the background loops and the RPC surface talk to.
package poolsvc

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/checker"
	"github.com/hexpool/ipv6pool/internal/config"
	"github.com/hexpool/ipv6pool/internal/metrics"
	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/hexpool/ipv6pool/internal/prefixer"
	"github.com/hexpool/ipv6pool/internal/route"
	"github.com/hexpool/ipv6pool/internal/spawner"
	"github.com/hexpool/ipv6pool/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	globalDBFileName = "ipv6_global_addrs.json"
	mirrorDBDirName  = "ipv6_mirrors"
	lockCeiling      = time.Second
	replenishEvery   = 5 * time.Second
)

// GlobalStats is the /stats?dbname= omitted response payload.
type GlobalStats struct {
	Total   int      `json:"total"`
	Prefix  string   `json:"prefix"`
	Mirrors []string `json:"mirrors"`
}

// Service is the top-level coordinator described in the design's
// PoolService component.
type Service struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	prefixer *prefixer.Prefixer
	route    *route.Updater
	checker  *checker.Checker
	spawner  *spawner.Spawner
	global   *storage.GlobalDB

	mirrorsMu sync.RWMutex
	mirrors   map[string]*storage.MirrorDB
	mirrorDir string

	// routeMu is held exclusively by the route-monitor loop while
	// reconciling, and in shared mode by spawn/replenish so a prefix
	// change cannot race a spawn into inserting an address under the
	// old prefix.
	routeMu sync.RWMutex

	replenishSignal chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Service from configuration. It loads (or creates) the
// on-disk stores but does not start any background loop. m may be nil
// when metrics are disabled.
func New(cfg *config.Config, log *zap.SugaredLogger, m *metrics.Metrics) (*Service, error) {
	pfx := prefixer.New(cfg.Pool.Iface, cfg.Pool.PrefixBits)

	updater := route.New(cfg.Route.NdppdConfPath, cfg.Route.RestartCmd, log)

	chk := checker.New(cfg.Pool.CheckURL, cfg.Pool.CheckTimeout, cfg.Pool.CheckParallelism)

	global, err := storage.OpenGlobalDB(filepath.Join(cfg.Pool.DBRoot, globalDBFileName))
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:             cfg,
		log:             log,
		metrics:         m,
		prefixer:        pfx,
		route:           updater,
		checker:         chk,
		global:          global,
		mirrors:         map[string]*storage.MirrorDB{},
		mirrorDir:       filepath.Join(cfg.Pool.DBRoot, mirrorDBDirName),
		replenishSignal: make(chan struct{}, 1),
	}
	svc.spawner = spawner.New(pfx, chk, global)
	return svc, nil
}

// Start launches the background loops (route monitor, replenish,
// mirror sync, persistence), each as its own goroutine under an
// errgroup so the first fatal error is observable from Stop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	if _, err := s.prefixer.Refresh(); err != nil {
		s.log.Warnw("initial prefix detection failed", "err", err)
	} else {
		cur := s.prefixer.Current().String()
		if old := s.global.Prefix(); old != "" && old != cur {
			s.log.Infow("prefix changed since last run, flushing pool", "old", old, "new", cur)
			if err := s.global.Flush(); err != nil {
				s.log.Warnw("global db flush failed", "err", err)
			}
		}
		s.global.SetPrefix(cur)
	}

	g.Go(func() error { s.routeMonitorLoop(gctx); return nil })
	g.Go(func() error { s.replenishLoop(gctx); return nil })
	g.Go(func() error { s.mirrorSyncLoop(gctx); return nil })
	g.Go(func() error { s.persistenceLoop(gctx); return nil })

	return nil
}

// Stop cancels every background loop and waits for them to exit,
// bounded by the configured shutdown timeout, then performs a final
// save so a clean stop never loses recent mutations.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warnw("background loop returned error", "err", err)
		}
	case <-time.After(s.cfg.Server.ShutdownTimeout):
		s.log.Warn("timed out waiting for background loops to stop")
	}

	return s.saveAll()
}

// ---- background loops ----

func (s *Service) routeMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Route.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.routeTick(ctx)
		}
	}
}

func (s *Service) routeTick(ctx context.Context) {
	newPrefix, err := s.prefixer.Refresh()
	if err != nil {
		s.log.Warnw("prefix refresh failed", "err", err)
		return
	}

	oldPrefixStr := s.global.Prefix()
	changed := oldPrefixStr != "" && oldPrefixStr != newPrefix.String()

	s.routeMu.Lock()
	defer s.routeMu.Unlock()

	// Flush before touching the kernel route or ndppd config: the route
	// reconcile can take several seconds (RestartNdppd retries with
	// backoff), and Pick/Picks never take routeMu, so a pool that still
	// held old-prefix addresses during that window would keep handing
	// them to callers after the kernel had already moved on.
	if changed {
		s.log.Infow("prefix changed, flushing pool", "old", oldPrefixStr, "new", newPrefix.String())
		if err := s.global.Flush(); err != nil {
			s.log.Warnw("global db flush failed", "err", err)
		}
		s.global.SetPrefix(newPrefix.String())
		s.flushAllMirrors()
	} else if oldPrefixStr == "" {
		s.global.SetPrefix(newPrefix.String())
	}

	if err := s.route.Run(ctx, newPrefix); err != nil {
		s.log.Warnw("route reconcile failed", "err", err)
		if s.metrics != nil {
			s.metrics.RecordRouteReconcile(false)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRouteReconcile(true)
	}

	if changed {
		s.signalReplenish()
	}
}

func (s *Service) replenishLoop(ctx context.Context) {
	ticker := time.NewTicker(replenishEvery)
	defer ticker.Stop()
	backoff := time.Duration(0)

	for {
		wait := ticker.C
		if backoff > 0 {
			wait = time.After(backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-s.replenishSignal:
		}

		if s.global.Count() >= s.cfg.Pool.UsableNum {
			backoff = 0
			continue
		}

		if !s.routeMu.TryRLock() {
			continue
		}
		need := s.cfg.Pool.UsableNum - s.global.Count()
		_, complete, err := s.spawner.Spawns(ctx, need)
		s.routeMu.RUnlock()

		if err != nil {
			s.log.Warnw("replenish spawn failed", "err", err)
			continue
		}
		if !complete {
			backoff = nextBackoff(backoff)
			s.log.Warnw("replenish incomplete, backing off", "backoff", backoff)
			continue
		}
		backoff = 0
		s.syncAllMirrors()
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur + 5*time.Second
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	if next == 0 {
		next = 5 * time.Second
	}
	return next
}

func (s *Service) mirrorSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Pool.MirrorSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAllMirrors()
		}
	}
}

func (s *Service) persistenceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Pool.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.saveAll(); err != nil {
				s.log.Warnw("periodic save failed", "err", err)
			}
		}
	}
}

func (s *Service) syncAllMirrors() {
	addrs := s.global.All()
	s.mirrorsMu.RLock()
	defer s.mirrorsMu.RUnlock()
	for _, m := range s.mirrors {
		m.SyncFromGlobal(addrs)
	}
}

func (s *Service) flushAllMirrors() {
	s.mirrorsMu.RLock()
	defer s.mirrorsMu.RUnlock()
	for name, m := range s.mirrors {
		if err := m.Flush(); err != nil {
			s.log.Warnw("mirror flush failed", "dbname", name, "err", err)
		}
	}
}

func (s *Service) saveAll() error {
	if err := s.global.Save(); err != nil {
		return err
	}
	s.mirrorsMu.RLock()
	defer s.mirrorsMu.RUnlock()
	for name, m := range s.mirrors {
		if err := m.Save(); err != nil {
			s.log.Warnw("mirror save failed", "dbname", name, "err", err)
		}
	}
	return nil
}

func (s *Service) signalReplenish() {
	select {
	case s.replenishSignal <- struct{}{}:
	default:
	}
}

// getOrCreateMirror returns the mirror for dbname, creating and
// syncing it from the current global set on first use.
func (s *Service) getOrCreateMirror(dbname string) (*storage.MirrorDB, error) {
	s.mirrorsMu.RLock()
	m, ok := s.mirrors[dbname]
	s.mirrorsMu.RUnlock()
	if ok {
		return m, nil
	}

	s.mirrorsMu.Lock()
	defer s.mirrorsMu.Unlock()
	if m, ok := s.mirrors[dbname]; ok {
		return m, nil
	}

	m, err := storage.OpenMirrorDB(s.mirrorDir, dbname)
	if err != nil {
		return nil, err
	}
	m.SyncFromGlobal(s.global.All())
	s.mirrors[dbname] = m
	return m, nil
}

// ---- RPC-surface methods ----

// Spawn generates and verifies one fresh address. A candidate that
// never passes its check is not exceptional -- it surfaces as NoAddress
// (503), the same outcome as an empty pool, rather than an internal
// error.
func (s *Service) Spawn(ctx context.Context) (model.Address, error) {
	if !tryRLockCeiling(&s.routeMu, lockCeiling) {
		return "", apperrors.Busy("spawn")
	}
	defer s.routeMu.RUnlock()

	start := time.Now()
	addr, ok, err := s.spawner.Spawn(ctx)
	if s.metrics != nil {
		s.metrics.RecordSpawn(ok && err == nil, time.Since(start))
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.NoAddress(s.cfg.Pool.DefaultDBName)
	}
	s.log.Debugw("spawned address", "addr", s.addrSuffix(addr))
	s.signalReplenish()
	return addr, nil
}

// Spawns generates up to n fresh addresses.
func (s *Service) Spawns(ctx context.Context, n int) ([]model.Address, bool, error) {
	if !tryRLockCeiling(&s.routeMu, lockCeiling) {
		return nil, false, apperrors.Busy("spawns")
	}
	defer s.routeMu.RUnlock()

	return s.spawner.Spawns(ctx, n)
}

// Check probes a single address without any state side effects.
func (s *Service) Check(ctx context.Context, addr model.Address) bool {
	start := time.Now()
	usable := s.checker.Check(ctx, addr)
	if s.metrics != nil {
		s.metrics.RecordCheck(usable, time.Since(start))
	}
	return usable
}

// Checks probes multiple addresses in input order.
func (s *Service) Checks(ctx context.Context, addrs []model.Address) []bool {
	return s.checker.Checks(ctx, addrs)
}

// Pick returns an idle address from dbname's mirror, creating the
// mirror on first use.
func (s *Service) Pick(dbname string) (model.Address, error) {
	m, err := s.getOrCreateMirror(dbname)
	if err != nil {
		return "", err
	}
	addr, ok := m.GetIdleAddr()
	if !ok {
		return "", apperrors.NoAddress(dbname)
	}
	s.log.Debugw("picked address", "dbname", dbname, "addr", s.addrSuffix(addr))
	return addr, nil
}

// Picks returns up to n idle addresses; short returns are allowed.
func (s *Service) Picks(dbname string, n int) ([]model.Address, error) {
	m, err := s.getOrCreateMirror(dbname)
	if err != nil {
		return nil, err
	}
	out := make([]model.Address, 0, n)
	for i := 0; i < n; i++ {
		addr, ok := m.GetIdleAddr()
		if !ok {
			break
		}
		out = append(out, addr)
	}
	return out, nil
}

// Report releases addr back to dbname's mirror with the reported
// status. Unknown dbname fails with NoMirror; unknown address, or one
// not currently using, is a silent no-op reported back as false.
func (s *Service) Report(dbname string, report model.ReportInfo) (bool, error) {
	s.mirrorsMu.RLock()
	m, ok := s.mirrors[dbname]
	s.mirrorsMu.RUnlock()
	if !ok {
		return false, apperrors.NoMirror(dbname)
	}
	return m.ReleaseAddr(report)
}

// Reports releases a batch of addresses back to dbname's mirror,
// returning one bool per entry in input order.
func (s *Service) Reports(dbname string, reports []model.ReportInfo) ([]bool, error) {
	s.mirrorsMu.RLock()
	m, ok := s.mirrors[dbname]
	s.mirrorsMu.RUnlock()
	if !ok {
		return nil, apperrors.NoMirror(dbname)
	}
	results := make([]bool, len(reports))
	for i, r := range reports {
		applied, err := m.ReleaseAddr(r)
		if err != nil {
			return nil, err
		}
		results[i] = applied
	}
	return results, nil
}

// Save flushes every store to disk immediately.
func (s *Service) Save() error {
	return s.saveAll()
}

// Flush clears dbname's mirror, or every store (global + all mirrors)
// when dbname is empty.
func (s *Service) Flush(dbname string) error {
	if dbname != "" {
		s.mirrorsMu.RLock()
		m, ok := s.mirrors[dbname]
		s.mirrorsMu.RUnlock()
		if !ok {
			return apperrors.NoMirror(dbname)
		}
		return m.Flush()
	}

	if err := s.global.Flush(); err != nil {
		return err
	}
	s.flushAllMirrors()
	return nil
}

// Prefix returns the current global-unicast prefix's textual form, or
// "" if none has been detected yet. Implements health.PoolStatus.
func (s *Service) Prefix() string {
	return s.global.Prefix()
}

// GlobalCount returns the number of verified addresses currently
// known. Implements health.PoolStatus.
func (s *Service) GlobalCount() int {
	return s.global.Count()
}

// GlobalStats reports total addresses, the current prefix, and known
// mirror names.
func (s *Service) GlobalStats() GlobalStats {
	s.mirrorsMu.RLock()
	names := make([]string, 0, len(s.mirrors))
	for name := range s.mirrors {
		names = append(names, name)
	}
	s.mirrorsMu.RUnlock()

	return GlobalStats{
		Total:   s.global.Count(),
		Prefix:  s.global.Prefix(),
		Mirrors: names,
	}
}

// MirrorStats reports the idle/using/bad breakdown for dbname.
func (s *Service) MirrorStats(dbname string) (storage.Stats, error) {
	m, err := s.getOrCreateMirror(dbname)
	if err != nil {
		return storage.Stats{}, err
	}
	stats := m.GetStats()
	if s.metrics != nil {
		s.metrics.SetMirrorGauges(dbname, stats.Idle, stats.Using, stats.Bad)
	}
	return stats, nil
}

// addrSuffix strips the current prefix's textual portion off addr, for
// compact log lines.
func (s *Service) addrSuffix(addr model.Address) string {
	return s.prefixer.Current().Suffix(addr)
}

func tryRLockCeiling(mu *sync.RWMutex, ceiling time.Duration) bool {
	deadline := time.Now().Add(ceiling)
	for {
		if mu.TryRLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
