package anchors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLedgerIsIdempotent(t *testing.T) {
	ledger := NewLocalLedger()
	root := sha256.Sum256([]byte("root"))

	first, err := ledger.SubmitBatch(context.Background(), root, 3)
	require.NoError(t, err)
	second, err := ledger.SubmitBatch(context.Background(), root, 3)
	require.NoError(t, err)

	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Equal(t, "1", first.BlockRef)
	assert.Equal(t, NetworkLocal, first.Network)

	other, err := ledger.SubmitBatch(context.Background(), sha256.Sum256([]byte("other")), 1)
	require.NoError(t, err)
	assert.Equal(t, "2", other.BlockRef)

	got, ok := ledger.Lookup(root)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestLocalLedgerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalLedger().SubmitBatch(ctx, [32]byte{1}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeAnchorNode is a minimal JSON-RPC anchoring endpoint.
type fakeAnchorNode struct {
	mu      sync.Mutex
	batches map[string]Submission
	calls   []string
	fail    bool
}

func (f *fakeAnchorNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Method)

	w.Header().Set("Content-Type", "application/json")
	if f.fail {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32000, "message": "node unavailable"},
		})
		return
	}

	root, _ := req.Params[0].(string)
	switch req.Method {
	case "anchor_getBatch":
		var result interface{}
		if s, ok := f.batches[root]; ok {
			result = s
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": result})
	case "anchor_submitBatch":
		s := Submission{TxRef: "0x" + root[:16], BlockRef: "100"}
		f.batches[root] = s
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": s})
	default:
		http.Error(w, "unknown method", http.StatusNotFound)
	}
}

func TestRPCTransportSubmitsOnce(t *testing.T) {
	node := &fakeAnchorNode{batches: make(map[string]Submission)}
	srv := httptest.NewServer(node)
	defer srv.Close()

	transport := NewRPCTransport([]string{srv.URL}, "testnet", 0)
	assert.Equal(t, "rpc:testnet", transport.Name())

	root := sha256.Sum256([]byte("batch"))
	first, err := transport.SubmitBatch(context.Background(), root, 4)
	require.NoError(t, err)
	assert.Equal(t, "0x"+hex.EncodeToString(root[:])[:16], first.TxRef)
	assert.Equal(t, "testnet", first.Network)

	second, err := transport.SubmitBatch(context.Background(), root, 4)
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, second.TxRef)

	assert.Equal(t, []string{"anchor_getBatch", "anchor_submitBatch", "anchor_getBatch"}, node.calls)
}

func TestRPCTransportFallsBackToNextEndpoint(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	node := &fakeAnchorNode{batches: make(map[string]Submission)}
	up := httptest.NewServer(node)
	defer up.Close()

	transport := NewRPCTransport([]string{down.URL, up.URL}, "testnet", 0)
	_, err := transport.SubmitBatch(context.Background(), [32]byte{7}, 1)
	require.NoError(t, err)
}

func TestRPCTransportErrors(t *testing.T) {
	_, err := NewRPCTransport(nil, "testnet", 0).SubmitBatch(context.Background(), [32]byte{}, 1)
	assert.ErrorIs(t, err, ErrNoEndpoints)

	node := &fakeAnchorNode{batches: make(map[string]Submission), fail: true}
	srv := httptest.NewServer(node)
	defer srv.Close()

	_, err = NewRPCTransport([]string{srv.URL}, "testnet", 0).SubmitBatch(context.Background(), [32]byte{}, 1)
	assert.ErrorContains(t, err, "node unavailable")
}
