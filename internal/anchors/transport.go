package anchors

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Networks reported by the built-in transports.
const (
	NetworkLocal = "local"
)

// ErrNoEndpoints is returned by an RPC transport with nothing to call.
var ErrNoEndpoints = errors.New("anchors: no RPC endpoints configured")

// Submission is the settlement layer's receipt for one anchored batch.
type Submission struct {
	TxRef    string          `json:"tx_ref"`
	BlockRef string          `json:"block_ref"`
	Network  string          `json:"network"`
	Cost     json.RawMessage `json:"cost,omitempty"`
}

// Transport submits Merkle roots to an external settlement layer.
// Submitting the same root twice must be safe and return the original
// receipt.
type Transport interface {
	Name() string
	SubmitBatch(ctx context.Context, root [32]byte, batchSize int) (*Submission, error)
}

// LocalLedger is an in-process settlement layer. Transaction references are
// derived from the root, so resubmission is idempotent.
type LocalLedger struct {
	mu      sync.Mutex
	height  uint64
	entries map[[32]byte]*Submission
}

// NewLocalLedger creates an empty ledger.
func NewLocalLedger() *LocalLedger {
	return &LocalLedger{entries: make(map[[32]byte]*Submission)}
}

// Name returns the transport identifier.
func (l *LocalLedger) Name() string { return NetworkLocal }

// SubmitBatch records root in the ledger.
func (l *LocalLedger) SubmitBatch(ctx context.Context, root [32]byte, batchSize int) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.entries[root]; ok {
		return s, nil
	}

	l.height++
	tx := sha256.Sum256(append([]byte("recoveryd-local-tx"), root[:]...))
	cost, _ := json.Marshal(map[string]any{"batch_size": batchSize, "fee": 0})

	s := &Submission{
		TxRef:    hex.EncodeToString(tx[:]),
		BlockRef: fmt.Sprintf("%d", l.height),
		Network:  NetworkLocal,
		Cost:     cost,
	}
	l.entries[root] = s
	return s, nil
}

// Lookup returns the receipt for root, if it was submitted.
func (l *LocalLedger) Lookup(root [32]byte) (*Submission, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[root]
	return s, ok
}

// RPCTransport submits roots to a JSON-RPC 2.0 anchoring endpoint. Before
// submitting it asks the endpoint for an existing receipt, so retries after
// an ambiguous failure do not create a second transaction.
type RPCTransport struct {
	endpoints []string
	network   string
	client    *http.Client
}

// NewRPCTransport creates a transport over the given endpoints.
func NewRPCTransport(endpoints []string, network string, timeout time.Duration) *RPCTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCTransport{
		endpoints: endpoints,
		network:   network,
		client:    &http.Client{Timeout: timeout},
	}
}

// Name returns the transport identifier.
func (r *RPCTransport) Name() string { return "rpc:" + r.network }

// SubmitBatch anchors root, returning the existing receipt if the endpoint
// already knows it.
func (r *RPCTransport) SubmitBatch(ctx context.Context, root [32]byte, batchSize int) (*Submission, error) {
	rootHex := hex.EncodeToString(root[:])

	existing, err := r.call(ctx, "anchor_getBatch", []interface{}{rootHex})
	if err != nil {
		return nil, err
	}
	if s, err := r.decode(existing); err != nil {
		return nil, err
	} else if s != nil {
		return s, nil
	}

	result, err := r.call(ctx, "anchor_submitBatch", []interface{}{rootHex, batchSize, r.network})
	if err != nil {
		return nil, err
	}
	s, err := r.decode(result)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("anchors: empty submission result")
	}
	return s, nil
}

func (r *RPCTransport) decode(raw json.RawMessage) (*Submission, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s Submission
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if s.Network == "" {
		s.Network = r.network
	}
	return &s, nil
}

// call makes a raw JSON-RPC call, trying each endpoint in order.
func (r *RPCTransport) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if len(r.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, endpoint := range r.endpoints {
		result, err := r.post(ctx, endpoint, reqBody)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *RPCTransport) post(ctx context.Context, endpoint string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
