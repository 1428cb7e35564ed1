// Package client is the library scraper processes import to talk to
// poold's RPC surface and to bind an HTTP session to a picked address.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
)

const (
	// DefaultServerURL is poold's default RPC listen address.
	DefaultServerURL = "http://localhost:16000"
	// DefaultDBName is the mirror used when the caller doesn't name one.
	DefaultDBName = "default"
	// DefaultTimeout bounds every RPC round trip.
	DefaultTimeout = 10 * time.Second
)

// Client is a thin HTTP client for poold's JSON RPC surface.
type Client struct {
	ServerURL string
	DBName    string
	HTTP      *http.Client
}

// New builds a Client with the given server URL and dbname; empty
// values fall back to the documented defaults.
func New(serverURL, dbname string) *Client {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	if dbname == "" {
		dbname = DefaultDBName
	}
	return &Client{
		ServerURL: serverURL,
		DBName:    dbname,
		HTTP:      &http.Client{Timeout: DefaultTimeout},
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.Malformed("failed to encode request body: " + err.Error())
		}
		reqBody = bytes.NewReader(buf)
	}

	url := c.ServerURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return apperrors.Internal("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Cancelled(path)
		}
		return apperrors.Wrap(apperrors.CodeInternal, "rpc request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = string(apperrors.CodeInternal)
		}
		return apperrors.New(apperrors.Code(errResp.Error), errResp.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Internal("failed to decode response", err)
	}
	return nil
}

// Pick fetches one idle address from the client's dbname.
func (c *Client) Pick(ctx context.Context) (model.Address, error) {
	var body struct {
		Addr string `json:"addr"`
	}
	if err := c.do(ctx, http.MethodGet, "/pick", map[string]string{"dbname": c.DBName}, nil, &body); err != nil {
		return "", err
	}
	return model.Address(body.Addr), nil
}

// Picks fetches up to n idle addresses; a short result is not an error.
func (c *Client) Picks(ctx context.Context, n int) ([]model.Address, error) {
	var body struct {
		Addrs []string `json:"addrs"`
	}
	query := map[string]string{"dbname": c.DBName, "num": fmt.Sprintf("%d", n)}
	if err := c.do(ctx, http.MethodGet, "/picks", query, nil, &body); err != nil {
		return nil, err
	}
	return toAddresses(body.Addrs), nil
}

type reportRequest struct {
	Addr   string `json:"addr"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Report releases addr back to the pool with the given status. The
// returned bool is false, with no error, when addr was unknown or
// wasn't currently in use: the release is a silent no-op in that case,
// since a dropped report shouldn't be treated as a failure.
func (c *Client) Report(ctx context.Context, addr model.Address, status model.AddrStatus, reason string) (bool, error) {
	var body struct {
		OK bool `json:"ok"`
	}
	req := reportRequest{Addr: string(addr), Status: string(status), Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/report", map[string]string{"dbname": c.DBName}, req, &body); err != nil {
		return false, err
	}
	return body.OK, nil
}

// Reports releases a batch of addresses back to the pool, returning one
// bool per entry in input order.
func (c *Client) Reports(ctx context.Context, reports []model.ReportInfo) ([]bool, error) {
	reqs := make([]reportRequest, len(reports))
	for i, r := range reports {
		reqs[i] = reportRequest{Addr: string(r.Addr), Status: string(r.Status), Reason: r.Reason}
	}
	var body struct {
		OKs []bool `json:"oks"`
	}
	if err := c.do(ctx, http.MethodPost, "/reports", map[string]string{"dbname": c.DBName}, reqs, &body); err != nil {
		return nil, err
	}
	return body.OKs, nil
}

// Spawn asks the server to generate and verify a fresh address.
func (c *Client) Spawn(ctx context.Context) (model.Address, error) {
	var body struct {
		Addr string `json:"addr"`
	}
	if err := c.do(ctx, http.MethodGet, "/spawn", nil, nil, &body); err != nil {
		return "", err
	}
	return model.Address(body.Addr), nil
}

// Spawns asks the server to generate up to n fresh addresses.
func (c *Client) Spawns(ctx context.Context, n int) ([]model.Address, bool, error) {
	var body struct {
		Addrs    []string `json:"addrs"`
		Complete bool     `json:"complete"`
	}
	query := map[string]string{"num": fmt.Sprintf("%d", n)}
	if err := c.do(ctx, http.MethodGet, "/spawns", query, nil, &body); err != nil {
		return nil, false, err
	}
	return toAddresses(body.Addrs), body.Complete, nil
}

// Check probes whether addr is currently usable.
func (c *Client) Check(ctx context.Context, addr model.Address) (bool, error) {
	var body struct {
		Usable bool `json:"usable"`
	}
	req := struct {
		Addr string `json:"addr"`
	}{Addr: string(addr)}
	if err := c.do(ctx, http.MethodPost, "/check", nil, req, &body); err != nil {
		return false, err
	}
	return body.Usable, nil
}

// Checks probes multiple addresses, preserving input order.
func (c *Client) Checks(ctx context.Context, addrs []model.Address) ([]bool, error) {
	var body struct {
		Usables []bool `json:"usables"`
	}
	req := struct {
		Addrs []string `json:"addrs"`
	}{Addrs: addrStrings(addrs)}
	if err := c.do(ctx, http.MethodPost, "/checks", nil, req, &body); err != nil {
		return nil, err
	}
	return body.Usables, nil
}

// Stats fetches the client's dbname mirror's idle/using/bad breakdown.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/stats", map[string]string{"dbname": c.DBName}, nil, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Save asks the server to flush every store to disk immediately.
func (c *Client) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/save", nil, nil, nil)
}

// Flush clears the client's dbname mirror.
func (c *Client) Flush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/flush", map[string]string{"dbname": c.DBName}, nil, nil)
}

func toAddresses(ss []string) []model.Address {
	out := make([]model.Address, len(ss))
	for i, s := range ss {
		out[i] = model.Address(s)
	}
	return out
}

func addrStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
