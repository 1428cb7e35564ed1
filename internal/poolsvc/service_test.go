package poolsvc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/config"
	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/hexpool/ipv6pool/internal/spawner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePrefixSource struct{ p model.Prefix }

func (f fakePrefixSource) Current() model.Prefix { return f.p }

type fakeChecker struct{ ok bool }

func (f fakeChecker) Check(ctx context.Context, addr model.Address) bool { return f.ok }

type fakeGlobalStore struct{}

func (fakeGlobalStore) Has(addr model.Address) bool { return false }
func (fakeGlobalStore) Add(addr model.Address) error { return nil }

func testService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 16000, ShutdownTimeout: time.Second},
		Pool: config.PoolConfig{
			Iface:              "lo",
			PrefixBits:         64,
			UsableNum:          3,
			CheckURL:           "http://127.0.0.1:1/unused",
			CheckTimeout:       time.Second,
			CheckParallelism:   4,
			SaveInterval:       time.Hour,
			MirrorSyncInterval: time.Hour,
			DBRoot:             dir,
			DefaultDBName:      "default",
		},
		Route: config.RouteConfig{
			NdppdConfPath: filepath.Join(dir, "ndppd.conf"),
			RestartCmd:    []string{"true"},
			CheckInterval: time.Hour,
		},
	}
	svc, err := New(cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	return svc
}

func TestPickCreatesMirrorAndSyncsFromGlobal(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))

	addr, err := svc.Pick("scraper-a")
	require.NoError(t, err)
	assert.Equal(t, model.Address("2001:db8::1"), addr)

	_, err = svc.Pick("scraper-a")
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNoAddress, pe.Code)
}

func TestReportUnknownMirrorFails(t *testing.T) {
	svc := testService(t)
	_, err := svc.Report("ghost", model.ReportInfo{Addr: "2001:db8::1", Status: model.StatusIdle})
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNoMirror, pe.Code)
}

func TestPickReportCycle(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))

	addr, err := svc.Pick("t1")
	require.NoError(t, err)

	stats, err := svc.MirrorStats("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Using)

	applied, err := svc.Report("t1", model.ReportInfo{Addr: addr, Status: model.StatusIdle})
	require.NoError(t, err)
	assert.True(t, applied)
	stats, err = svc.MirrorStats("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Using)

	// A duplicate report on the now-idle address is a no-op.
	applied, err = svc.Report("t1", model.ReportInfo{Addr: addr, Status: model.StatusBad})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBadMarkingSurvivesSync(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))

	addr, err := svc.Pick("t1")
	require.NoError(t, err)
	applied, err := svc.Report("t1", model.ReportInfo{Addr: addr, Status: model.StatusBad})
	require.NoError(t, err)
	assert.True(t, applied)

	svc.syncAllMirrors()

	stats, err := svc.MirrorStats("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Bad)
	assert.Equal(t, 0, stats.Idle)
}

func TestReportsReturnsPerEntryResult(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))
	require.NoError(t, svc.global.Add("2001:db8::2"))

	addrs, err := svc.Picks("t1", 2)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	oks, err := svc.Reports("t1", []model.ReportInfo{
		{Addr: addrs[0], Status: model.StatusIdle},
		// A stale duplicate naming an address that isn't using anymore.
		{Addr: addrs[0], Status: model.StatusBad},
		{Addr: addrs[1], Status: model.StatusBad},
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, oks)
}

func TestFlushSingleMirror(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))
	_, err := svc.Pick("t1")
	require.NoError(t, err)

	require.NoError(t, svc.Flush("t1"))
	stats, err := svc.MirrorStats("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestFlushEverything(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))
	_, err := svc.Pick("t1")
	require.NoError(t, err)

	require.NoError(t, svc.Flush(""))
	assert.Equal(t, 0, svc.GlobalStats().Total)
	stats, err := svc.MirrorStats("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestSpawnFailedCheckIsNoAddressNotPoolExhausted(t *testing.T) {
	svc := testService(t)
	prefix, err := model.NewPrefix("lo", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)
	svc.spawner = spawner.New(fakePrefixSource{prefix}, fakeChecker{ok: false}, fakeGlobalStore{})

	_, err = svc.Spawn(context.Background())
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNoAddress, pe.Code, "a swallowed check failure is NoAddress (503), not PoolExhausted")
}

func TestSpawnBusyOnRouteLock(t *testing.T) {
	svc := testService(t)
	svc.routeMu.Lock()
	defer svc.routeMu.Unlock()

	_, err := svc.Spawn(context.Background())
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeBusy, pe.Code)
}

func TestPicksShortReturn(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.global.Add("2001:db8::1"))
	require.NoError(t, svc.global.Add("2001:db8::2"))

	addrs, err := svc.Picks("t1", 5)
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}
