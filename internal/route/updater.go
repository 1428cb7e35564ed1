// Package route reconciles kernel routing state and the external
// NDP-proxy daemon's configuration with the pool's current prefix.
package route

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
	"go.uber.org/zap"
)

// Runner abstracts command execution so tests can substitute a fake
// without shelling out.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner shells out via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Updater reconciles the kernel's route table and the ndppd config
// file with the current prefix. It never guesses; it always reads and
// compares before writing.
type Updater struct {
	confPath    string
	restartCmd  []string
	runner      Runner
	log         *zap.SugaredLogger
	restartWait time.Duration
	maxRetries  int
}

// New builds an Updater that maintains confPath and restarts ndppd via
// the given command (e.g. []string{"systemctl", "restart", "ndppd"}).
func New(confPath string, restartCmd []string, log *zap.SugaredLogger) *Updater {
	return &Updater{
		confPath:    confPath,
		restartCmd:  restartCmd,
		runner:      execRunner{},
		log:         log,
		restartWait: 5 * time.Second,
		maxRetries:  3,
	}
}

// AddRoute installs a local route for the prefix via the prefix's
// interface. Uses "replace" so repeated calls are idempotent.
func (u *Updater) AddRoute(ctx context.Context, p model.Prefix) error {
	out, err := u.runner.Run(ctx, "ip", "route", "replace", "local", p.String(), "dev", p.Iface)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("add route: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

// IsNdppdConfLatest reports whether the on-disk ndppd config already
// advertises p on its interface.
func (u *Updater) IsNdppdConfLatest(p model.Prefix) bool {
	data, err := os.ReadFile(u.confPath)
	if err != nil {
		return false
	}
	content := string(data)

	if !strings.Contains(content, "proxy "+p.Iface) {
		return false
	}
	base := strings.TrimSuffix(p.String(), fmt.Sprintf("/%d", p.Bits))
	rule := fmt.Sprintf("rule %s/%d", base, p.Bits)
	return strings.Contains(content, rule)
}

// ModifyNdppdConf rewrites the config with exactly one proxy block for
// p, atomically (temp file + rename).
func (u *Updater) ModifyNdppdConf(p model.Prefix) error {
	content := fmt.Sprintf(
		"route-ttl 30000\n"+
			"proxy %s {\n"+
			"    router no\n"+
			"    timeout 500\n"+
			"    ttl 30000\n"+
			"    rule %s {\n"+
			"        static\n"+
			"    }\n"+
			"}\n",
		p.Iface, p.String(),
	)

	dir := filepath.Dir(u.confPath)
	tmp, err := os.CreateTemp(dir, ".ndppd-*.conf")
	if err != nil {
		return apperrors.Internal("create temp ndppd.conf", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return apperrors.Internal("write temp ndppd.conf", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Internal("close temp ndppd.conf", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return apperrors.Internal("chmod temp ndppd.conf", err)
	}
	if err := os.Rename(tmpPath, u.confPath); err != nil {
		return apperrors.Internal("rename ndppd.conf", err)
	}
	return nil
}

// RestartNdppd asks the proxy daemon to restart, retrying up to
// maxRetries times with linear backoff before failing with
// ProxyRestart.
func (u *Updater) RestartNdppd(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		out, err := u.runner.Run(ctx, u.restartCmd[0], u.restartCmd[1:]...)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
		if u.log != nil {
			u.log.Warnw("ndppd restart failed, retrying", "attempt", attempt, "err", lastErr)
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return apperrors.ProxyRestart(ctx.Err())
		}
	}
	return apperrors.ProxyRestart(lastErr)
}

// Run composes the reconcile cycle: add the route unconditionally,
// then rewrite the config and restart the proxy only if the config was
// stale.
func (u *Updater) Run(ctx context.Context, p model.Prefix) error {
	if p.IsZero() {
		return apperrors.NoPrefix()
	}
	if err := u.AddRoute(ctx, p); err != nil {
		return err
	}
	if u.IsNdppdConfLatest(p) {
		return nil
	}
	if err := u.ModifyNdppdConf(p); err != nil {
		return err
	}
	if err := u.RestartNdppd(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(u.restartWait):
	case <-ctx.Done():
	}
	return nil
}
