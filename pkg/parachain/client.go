// Package parachain talks to the parachain's EVM-style JSON-RPC surface and
// to the oracle contract deployed there: the tracked stash list, the
// per-stash report record, and the reportRelay submission entry point.
package parachain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/utils"
	"go.uber.org/zap"
)

// RevertError reports that a contract call or dry run was rejected by the
// EVM rather than by the transport. It is a logic outcome, not connectivity
// trouble, so it never routes into recovery.
type RevertError struct {
	Method string
	Msg    string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("parachain %s reverted: %s", e.Method, e.Msg)
}

// IsRevert reports whether err is a contract revert.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// CallMsg is one contract call, used both for dry runs and for the signed
// transaction body.
type CallMsg struct {
	From  string
	To    string
	Gas   uint64
	Nonce uint64
	Data  []byte
}

// Receipt is the mined result of a broadcast transaction.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw struct {
		TxHash      string `json:"transactionHash"`
		Status      string `json:"status"`
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status, err := utils.HexToUint64(raw.Status)
	if err != nil {
		return fmt.Errorf("malformed receipt status: %w", err)
	}
	number, err := utils.HexToUint64(raw.BlockNumber)
	if err != nil {
		return fmt.Errorf("malformed receipt block number: %w", err)
	}
	r.TxHash = raw.TxHash
	r.Status = status
	r.BlockNumber = number
	return nil
}

// Client is a synchronous HTTP JSON-RPC client pinned to one endpoint at a
// time; rotation happens through Recover, which consults the pool.
type Client struct {
	pool *endpoint.Pool[struct{}]
	http *http.Client
	log  *zap.Logger
	id   atomic.Uint64

	mu     sync.Mutex
	active string
}

// Dial probes one endpoint with eth_blockNumber so the pool only hands out
// URLs that answer.
func Dial(httpClient *http.Client) endpoint.DialFunc[struct{}] {
	return func(ctx context.Context, url string) (struct{}, error) {
		req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_blockNumber", Params: []any{}}
		body, err := json.Marshal(req)
		if err != nil {
			return struct{}{}, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = utils.DrainAndClose(resp.Body) }()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("http %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}
}

func NewClient(pool *endpoint.Pool[struct{}], timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		pool: pool,
		http: &http.Client{Timeout: timeout},
		log:  log.Named("parachain"),
	}
}

// Connect selects and pins an endpoint, blocking through the pool until one
// answers.
func (c *Client) Connect(ctx context.Context) error {
	url, _, err := c.pool.Select(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.active = url
	c.mu.Unlock()
	return nil
}

// Recover notes a failure on the pinned endpoint and re-selects.
func (c *Client) Recover(ctx context.Context) error {
	c.mu.Lock()
	if c.active != "" {
		c.pool.NoteFailure(c.active)
	}
	c.active = ""
	c.mu.Unlock()
	return c.Connect(ctx)
}

// MarkHealthy resets failure bookkeeping for the pinned endpoint.
func (c *Client) MarkHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		c.pool.NoteSuccess(c.active)
	}
}

// Endpoint returns the pinned URL, if any.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EVM nodes signal reverts with code 3 (execution error) or a message
// carrying "revert"; anything else from the error object is a protocol
// error, anything below HTTP is transport.
const codeExecutionError = 3

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	c.mu.Lock()
	url := c.active
	c.mu.Unlock()
	if url == "" {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		url = c.active
		c.mu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: c.id.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &endpoint.TransportError{Chain: c.pool.Chain(), URL: url, Err: err}
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()
	if resp.StatusCode >= 300 {
		return &endpoint.TransportError{Chain: c.pool.Chain(), URL: url,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &endpoint.TransportError{Chain: c.pool.Chain(), URL: url, Err: err}
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeExecutionError ||
			strings.Contains(strings.ToLower(rpcResp.Error.Message), "revert") {
			return &RevertError{Method: method, Msg: rpcResp.Error.Message}
		}
		return fmt.Errorf("parachain rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// BlockNumber returns the current parachain block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNumber string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &hexNumber); err != nil {
		return 0, err
	}
	return utils.HexToUint64(hexNumber)
}

// Code returns the deployed bytecode at an address.
func (c *Client) Code(ctx context.Context, address string) ([]byte, error) {
	var hexCode string
	if err := c.call(ctx, "eth_getCode", []any{address, "latest"}, &hexCode); err != nil {
		return nil, err
	}
	return utils.DecodeHex(hexCode)
}

// Nonce returns the pending-inclusive transaction count of an account.
func (c *Client) Nonce(ctx context.Context, account string) (uint64, error) {
	var hexNonce string
	if err := c.call(ctx, "eth_getTransactionCount", []any{account, "pending"}, &hexNonce); err != nil {
		return 0, err
	}
	return utils.HexToUint64(hexNonce)
}

// Balance returns the account balance at the latest block.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var hexBalance string
	if err := c.call(ctx, "eth_getBalance", []any{account, "latest"}, &hexBalance); err != nil {
		return nil, err
	}
	return utils.HexToBig(hexBalance)
}

// CallContract performs a read-only call (also the dry-run path: a revert
// here surfaces as *RevertError without consuming a nonce or broadcasting).
func (c *Client) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	param := map[string]string{
		"from": msg.From,
		"to":   msg.To,
		"data": utils.EncodeHex(msg.Data),
	}
	if msg.Gas > 0 {
		param["gas"] = utils.Uint64ToHex(msg.Gas)
	}
	var hexResult string
	if err := c.call(ctx, "eth_call", []any{param, "latest"}, &hexResult); err != nil {
		return nil, err
	}
	return utils.DecodeHex(hexResult)
}

// DryRun statically executes msg and returns its error, if any.
func (c *Client) DryRun(ctx context.Context, msg CallMsg) error {
	_, err := c.CallContract(ctx, msg)
	return err
}

// Broadcast submits a signed transaction payload and returns its hash.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (string, error) {
	var txHash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{utils.EncodeHex(raw)}, &txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// Receipt fetches the receipt of a broadcast transaction. A nil receipt with
// nil error means the transaction is not mined yet.
func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}
