// internal/ledger/rpc_client.go
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient talks JSON-RPC 2.0 to a ledger node. Signing is delegated to a
// separate wallet endpoint, which may be the same URL.
type RPCClient struct {
	nodeURL    string
	signerURL  string
	httpClient *http.Client
	nextID     atomic.Int64
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

const errTxnNotFound = "txnNotFound"

func NewRPCClient(nodeURL, signerURL string, timeout time.Duration) *RPCClient {
	nodeURL = strings.TrimSuffix(nodeURL, "/")
	signerURL = strings.TrimSuffix(signerURL, "/")
	if signerURL == "" {
		signerURL = nodeURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		nodeURL:    nodeURL,
		signerURL:  signerURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RPCClient) call(ctx context.Context, url, method string, params interface{}, out interface{}) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []interface{}{params},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrTransport, method, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned status %d", ErrTransport, method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned status %d", ErrRPC, method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: invalid %s response: %v", ErrRPC, method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}

	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("%w: invalid %s result: %v", ErrRPC, method, err)
		}
	}
	return nil
}

func (c *RPCClient) Sign(ctx context.Context, tx Transaction) (SignedTransaction, error) {
	var result struct {
		Hash string `json:"hash"`
		Blob string `json:"tx_blob"`
	}
	if err := c.call(ctx, c.signerURL, "sign", map[string]interface{}{"tx_json": tx}, &result); err != nil {
		return SignedTransaction{}, err
	}
	if result.Hash == "" || result.Blob == "" {
		return SignedTransaction{}, fmt.Errorf("%w: sign returned an empty transaction", ErrRPC)
	}
	return SignedTransaction{Hash: result.Hash, Blob: result.Blob, Tx: tx}, nil
}

func (c *RPCClient) Submit(ctx context.Context, signed SignedTransaction) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.call(ctx, c.nodeURL, "submit", map[string]string{"tx_blob": signed.Blob}, &result); err != nil {
		return nil, err
	}
	if result.Hash == "" {
		result.Hash = signed.Hash
	}
	return &result, nil
}

func (c *RPCClient) QueryTransaction(ctx context.Context, hash string) (*QueryResult, error) {
	var result QueryResult
	err := c.call(ctx, c.nodeURL, "tx", map[string]string{"transaction": hash}, &result)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Message == errTxnNotFound {
			return &QueryResult{Hash: hash, Found: false}, nil
		}
		return nil, err
	}
	result.Found = true
	if result.Hash == "" {
		result.Hash = hash
	}
	return &result, nil
}

func (c *RPCClient) AccountObjects(ctx context.Context, address string, filter ObjectFilter) ([]AccountObject, error) {
	var result struct {
		AccountObjects []AccountObject `json:"account_objects"`
	}
	params := map[string]string{"account": address}
	if filter.Type != "" {
		params["type"] = filter.Type
	}
	if err := c.call(ctx, c.nodeURL, "account_objects", params, &result); err != nil {
		return nil, err
	}
	return result.AccountObjects, nil
}

func (c *RPCClient) IsValidAddress(address string) bool {
	return IsClassicAddress(address)
}
