// Package relay is the typed query adapter over the relay chain's websocket
// JSON-RPC surface: active era, block headers and hashes, and the staking
// storage reads the report builder needs. All queries are point-in-time
// against an explicit block hash except the head/finalized-head lookups.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"go.uber.org/zap"
)

// ErrNotFound reports that a queried block or storage item does not exist
// (yet) on the connected node. It is always recoverable, never fatal: the
// caller retries on a later poll.
var ErrNotFound = errors.New("relay: not found")

// Client is a synchronous websocket JSON-RPC client. One request is in
// flight at a time, which matches the engine's single-worker model; the
// mutex only guards against the ops sampler racing a reconnect.
type Client struct {
	pool    *endpoint.Pool[*websocket.Conn]
	log     *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	url  string
	id   uint64
}

// Dial is the pool dial function for relay websocket endpoints.
func Dial(handshakeTimeout time.Duration) endpoint.DialFunc[*websocket.Conn] {
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return conn, err
	}
}

func NewClient(pool *endpoint.Pool[*websocket.Conn], timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		pool:    pool,
		log:     log.Named("relay"),
		timeout: timeout,
	}
}

// Connect establishes the websocket connection, blocking through the pool's
// selection loop until one endpoint accepts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	url, conn, err := c.pool.Select(ctx)
	if err != nil {
		return err
	}
	c.url = url
	c.conn = conn
	return nil
}

// Recover notes a failure against the current endpoint and reconnects,
// letting the pool skip the URL if it has crossed the failure threshold.
func (c *Client) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url != "" {
		c.pool.NoteFailure(c.url)
	}
	return c.connectLocked(ctx)
}

// MarkHealthy resets the failure bookkeeping for the current endpoint.
func (c *Client) MarkHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url != "" {
		c.pool.NoteSuccess(c.url)
	}
}

// Endpoint returns the currently connected URL, if any.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Close performs a best-effort websocket close handshake.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	c.conn = nil
	c.log.Debug("Connection closed", zap.String("url", c.url))
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const codeNotFound = -32602

// call performs one request/response round trip. Transport failures tear
// down the connection and come back wrapped as *endpoint.TransportError so
// the engine can route them into recovery.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	c.id++
	req := rpcRequest{JSONRPC: "2.0", ID: c.id, Method: method, Params: params}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, c.dropLocked(err)
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, c.dropLocked(err)
	}

	var resp rpcResponse
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, c.dropLocked(err)
		}
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, c.dropLocked(err)
		}
		if resp.ID == req.ID {
			break
		}
		// Stale response from an earlier timed-out call; skip it.
	}

	if resp.Error != nil {
		if resp.Error.Code == codeNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relay rpc %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

// dropLocked tears down the broken connection and wraps the error.
func (c *Client) dropLocked(err error) error {
	url := c.url
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return &endpoint.TransportError{Chain: c.pool.Chain(), URL: url, Err: err}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ActiveEra reads the active era at blockHash, or at the chain head when
// blockHash is empty.
func (c *Client) ActiveEra(ctx context.Context, blockHash string) (Era, error) {
	params := []any{}
	if blockHash != "" {
		params = append(params, blockHash)
	}
	raw, err := c.call(ctx, "staking_activeEra", params)
	if err != nil {
		return Era{}, err
	}
	if isNull(raw) {
		return Era{}, ErrNotFound
	}
	var era Era
	if err := json.Unmarshal(raw, &era); err != nil {
		return Era{}, fmt.Errorf("decode active era: %w", err)
	}
	return era, nil
}

// BlockHash resolves a block number to its hash. A number beyond the chain
// head yields ErrNotFound.
func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	raw, err := c.call(ctx, "chain_getBlockHash", []any{number})
	if err != nil {
		return "", err
	}
	if isNull(raw) {
		return "", ErrNotFound
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("decode block hash: %w", err)
	}
	return hash, nil
}

// ChainHead returns the hash of the best block.
func (c *Client) ChainHead(ctx context.Context) (string, error) {
	return c.headCall(ctx, "chain_getHead")
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (string, error) {
	return c.headCall(ctx, "chain_getFinalizedHead")
}

func (c *Client) headCall(ctx context.Context, method string) (string, error) {
	raw, err := c.call(ctx, method, []any{})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("decode %s: %w", method, err)
	}
	return hash, nil
}

// BlockNumber resolves a block hash to its height.
func (c *Client) BlockNumber(ctx context.Context, blockHash string) (uint64, error) {
	raw, err := c.call(ctx, "chain_getHeader", []any{blockHash})
	if err != nil {
		return 0, err
	}
	if isNull(raw) {
		return 0, ErrNotFound
	}
	var header struct {
		Number uint64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, fmt.Errorf("decode header: %w", err)
	}
	return header.Number, nil
}

// BondedController returns the controller bonded to a stash at blockHash.
// ok is false when the stash has no controller, which is a valid, reportable
// state, not an error.
func (c *Client) BondedController(ctx context.Context, stash AccountID, blockHash string) (AccountID, bool, error) {
	raw, err := c.call(ctx, "staking_bonded", []any{string(stash), blockHash})
	if err != nil {
		return "", false, err
	}
	if isNull(raw) {
		return "", false, nil
	}
	var controller AccountID
	if err := json.Unmarshal(raw, &controller); err != nil {
		return "", false, fmt.Errorf("decode controller: %w", err)
	}
	return controller, true, nil
}

// Ledger reads the staking ledger of a controller at blockHash.
func (c *Client) Ledger(ctx context.Context, controller AccountID, blockHash string) (Ledger, error) {
	raw, err := c.call(ctx, "staking_ledger", []any{string(controller), blockHash})
	if err != nil {
		return Ledger{}, err
	}
	if isNull(raw) {
		return Ledger{}, ErrNotFound
	}
	var ledger Ledger
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger: %w", err)
	}
	return ledger, nil
}

// Validators returns the active validator set at blockHash.
func (c *Client) Validators(ctx context.Context, blockHash string) ([]AccountID, error) {
	return c.accountList(ctx, "session_validators", blockHash)
}

// Nominators returns the nominating stashes at blockHash.
func (c *Client) Nominators(ctx context.Context, blockHash string) ([]AccountID, error) {
	return c.accountList(ctx, "staking_nominators", blockHash)
}

func (c *Client) accountList(ctx context.Context, method, blockHash string) ([]AccountID, error) {
	raw, err := c.call(ctx, method, []any{blockHash})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var ids []AccountID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return ids, nil
}

// FreeBalance reads an account's free balance at blockHash.
func (c *Client) FreeBalance(ctx context.Context, account AccountID, blockHash string) (*big.Int, error) {
	raw, err := c.call(ctx, "system_account", []any{string(account), blockHash})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return new(big.Int), nil
	}
	var info struct {
		Data struct {
			Free *BigInt `json:"free"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	if info.Data.Free == nil {
		return new(big.Int), nil
	}
	return &info.Data.Free.Int, nil
}
