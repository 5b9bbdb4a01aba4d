// Package aria2rpc wraps the downloader daemon's JSON-RPC 2.0 surface:
// submitting and cancelling downloads, normalizing status payloads,
// translating the daemon's error codes to display text, and sanitizing
// filesystem paths before they leave the process boundary.
package aria2rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client issues JSON-RPC 2.0 calls against an aria2-compatible daemon over
// HTTP. Each call has a 30s total timeout.
type Client struct {
	rpcURL string
	secret string
	http   *http.Client
}

// New returns a Client pointed at rpcURL (e.g. http://127.0.0.1:6800/jsonrpc),
// authenticating with secret if non-empty.
func New(rpcURL, secret string) *Client {
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// token returns the literal "token:<secret>" param aria2 expects as the
// first positional argument when a secret is configured.
func (c *Client) token() []interface{} {
	if c.secret == "" {
		return nil
	}
	return []interface{}{"token:" + c.secret}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      "aria2deck",
		Method:  "aria2." + method,
		Params:  append(c.token(), params...),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %s", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %s", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc call %s: %s", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %s", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// AddURI submits an HTTP(S)/FTP/magnet URI and returns the assigned gid.
// dir is always set to the task-private downloading directory.
func (c *Client) AddURI(ctx context.Context, uris []string, dir string) (string, error) {
	var gid string
	options := map[string]interface{}{"dir": dir}
	err := c.call(ctx, "addUri", []interface{}{uris, options}, &gid)
	return gid, err
}

// AddTorrent submits a base64-encoded torrent blob, with optional web seed
// URIs, and returns the assigned gid.
func (c *Client) AddTorrent(ctx context.Context, torrentBlob []byte, uris []string, dir string) (string, error) {
	var gid string
	b64 := base64.StdEncoding.EncodeToString(torrentBlob)
	options := map[string]interface{}{"dir": dir}
	params := []interface{}{b64, uris, options}
	err := c.call(ctx, "addTorrent", params, &gid)
	return gid, err
}

// Status is the normalized subset of aria2's tellStatus payload the
// reconciler consumes.
type Status struct {
	GID             string   `json:"gid"`
	Status          string   `json:"status"`
	FollowingGID    string   `json:"followingGid"`
	FollowedBy      []string `json:"followedBy"`
	TotalLength     int64    `json:"totalLength,string"`
	CompletedLength int64    `json:"completedLength,string"`
	DownloadSpeed   int64    `json:"downloadSpeed,string"`
	UploadSpeed     int64    `json:"uploadSpeed,string"`
	Connections     int64    `json:"connections,string"`
	ErrorCode       string   `json:"errorCode"`
	ErrorMessage    string   `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
	BitTorrent struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

// TellStatus fetches the current status for gid.
func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	var s Status
	err := c.call(ctx, "tellStatus", []interface{}{gid}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ForceRemove stops and removes gid. Failure is swallowed by the caller
// (the reconciler): the daemon may already have no record of the task.
func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	return c.call(ctx, "forceRemove", []interface{}{gid}, nil)
}

// RemoveDownloadResult drops a terminal download's result record.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.call(ctx, "removeDownloadResult", []interface{}{gid}, nil)
}

// Version is the daemon's self-reported version info.
type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// GetVersion fetches the daemon's version info, used as a liveness check.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var v Version
	err := c.call(ctx, "getVersion", nil, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Cancel attempts both cancellation RPCs on gid. Either may fail harmlessly
// (the task may already be gone); both failures are logged by the caller,
// never propagated.
func (c *Client) Cancel(ctx context.Context, gid string) (forceRemoveErr, removeResultErr error) {
	forceRemoveErr = c.ForceRemove(ctx, gid)
	removeResultErr = c.RemoveDownloadResult(ctx, gid)
	return
}
