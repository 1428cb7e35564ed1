package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c := New("", "")
	assert.Equal(t, DefaultServerURL, c.ServerURL)
	assert.Equal(t, DefaultDBName, c.DBName)
}

func TestPickSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pick", r.URL.Path)
		assert.Equal(t, "scraper-a", r.URL.Query().Get("dbname"))
		json.NewEncoder(w).Encode(map[string]string{"addr": "2001:db8::1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "scraper-a")
	addr, err := c.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Address("2001:db8::1"), addr)
}

func TestPickErrorTranslatesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "NoAddress", "message": "empty pool"})
	}))
	defer srv.Close()

	c := New(srv.URL, "scraper-a")
	_, err := c.Pick(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNoAddress, apperrors.CodeOf(err))
}

func TestReportSendsBody(t *testing.T) {
	var gotBody reportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/report", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "scraper-a")
	ok, err := c.Report(context.Background(), "2001:db8::1", model.StatusBad, "connection refused")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", gotBody.Addr)
	assert.Equal(t, "bad", gotBody.Status)
}

func TestReportNoopReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": false})
	}))
	defer srv.Close()

	c := New(srv.URL, "scraper-a")
	ok, err := c.Report(context.Background(), "2001:db8::1", model.StatusBad, "connection refused")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReportsReturnsPerEntryOKs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reports", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "oks": []bool{true, false}})
	}))
	defer srv.Close()

	c := New(srv.URL, "scraper-a")
	oks, err := c.Reports(context.Background(), []model.ReportInfo{
		{Addr: "2001:db8::1", Status: model.StatusIdle},
		{Addr: "2001:db8::2", Status: model.StatusBad},
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, oks)
}

func TestSpawnsReturnsCompleteFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"addrs":    []string{"2001:db8::1", "2001:db8::2"},
			"complete": false,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	addrs, complete, err := c.Spawns(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Len(t, addrs, 2)
}

func TestChecksPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]bool{"usables": {true, false}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	usables, err := c.Checks(context.Background(), []model.Address{"2001:db8::1", "2001:db8::2"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, usables)
}
