package route

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   [][]string
	failN   int
	callNum int
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.callNum++
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failN > 0 && f.callNum <= f.failN {
		return []byte("boom"), assertErr{}
	}
	return []byte("ok"), nil
}

type assertErr struct{}

func (assertErr) Error() string { return "exec failed" }

func testPrefix(t *testing.T) model.Prefix {
	p, err := model.NewPrefix("eth0", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)
	return p
}

func TestModifyAndCheckNdppdConf(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "ndppd.conf")
	u := New(confPath, []string{"true"}, nil)
	p := testPrefix(t)

	assert.False(t, u.IsNdppdConfLatest(p))

	require.NoError(t, u.ModifyNdppdConf(p))
	data, err := os.ReadFile(confPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "proxy eth0")
	assert.Contains(t, string(data), "rule 2001:db8::/64")

	assert.True(t, u.IsNdppdConfLatest(p))
}

func TestRestartNdppdRetriesThenSucceeds(t *testing.T) {
	fr := &fakeRunner{failN: 2}
	u := New("/tmp/unused.conf", []string{"systemctl", "restart", "ndppd"}, nil)
	u.runner = fr
	u.restartWait = 0

	err := u.RestartNdppd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fr.callNum)
}

func TestRestartNdppdFailsAfterMaxRetries(t *testing.T) {
	fr := &fakeRunner{failN: 100}
	u := New("/tmp/unused.conf", []string{"systemctl", "restart", "ndppd"}, nil)
	u.runner = fr

	err := u.RestartNdppd(context.Background())
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeProxyRestart, pe.Code)
	assert.Equal(t, u.maxRetries, fr.callNum)
}

func TestRunSkipsRestartWhenConfLatest(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "ndppd.conf")
	fr := &fakeRunner{}
	u := New(confPath, []string{"systemctl", "restart", "ndppd"}, nil)
	u.runner = fr
	u.restartWait = 0
	p := testPrefix(t)

	require.NoError(t, u.Run(context.Background(), p))
	require.NoError(t, u.Run(context.Background(), p))

	// First run: add route + config stale so route+conf write+restart => 2 exec calls (route, restart).
	// Second run: conf already latest, so only the route call.
	assert.Equal(t, 3, fr.callNum)
}

func TestRunNoPrefix(t *testing.T) {
	u := New("/tmp/unused.conf", []string{"true"}, nil)
	err := u.Run(context.Background(), model.Prefix{})
	pe, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNoPrefix, pe.Code)
}
