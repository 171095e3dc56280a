package auxchain

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quaxis-io/quaxis/internal/merged"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// RPCClient is a minimal JSON-RPC 1.0 client for an aux chain's own node:
// the same request/response envelope and basic-auth-over-HTTP transport a
// Bitcoin Core RPC client would use, pared down to the two calls an
// aux-chain driver needs (fetch a candidate block, submit an
// aux-PoW-bearing one).
type RPCClient struct {
	url      string
	username string
	password string
	client   *http.Client
	nextID   atomic.Int64
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("aux RPC error %d: %s", e.Code, e.Message)
}

// NewRPCClient builds an RPC client against an aux chain's node, with an
// insecure-by-default TLS posture for chains whose nodes only expose a
// self-signed cert on a LAN.
func NewRPCClient(url, username, password string) *RPCClient {
	return &RPCClient{
		url:      url,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("auxchain: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auxchain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auxchain: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auxchain: %s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("auxchain: %s: parse response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// FetchCandidate calls the aux chain's own getauxblock-style RPC, which by
// convention returns the candidate block hash the node wants committed.
// Only the hash is read: the returned Candidate's RawBlock is left empty,
// since getauxblock typically returns only the hash an AuxPow needs to
// target.
func (c *RPCClient) FetchCandidate(ctx context.Context) (Candidate, error) {
	result, err := c.call(ctx, "getauxblock")
	if err != nil {
		return Candidate{}, err
	}

	var resp struct {
		Hash   string `json:"hash"`
		Target string `json:"target"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return Candidate{}, fmt.Errorf("auxchain: getauxblock: parse: %w", err)
	}

	raw, err := hex.DecodeString(resp.Hash)
	if err != nil || len(raw) != 32 {
		return Candidate{}, fmt.Errorf("auxchain: getauxblock: malformed hash %q", resp.Hash)
	}

	var hash primitives.Hash256
	copy(hash[:], raw)
	return Candidate{BlockHash: hash}, nil
}

// Submit hands a completed aux-PoW proof to the aux chain's
// submitauxblock-style RPC: the candidate's hash plus the serialized
// AuxPow proof, hex-encoded the way Bitcoin-style RPCs expect binary
// payloads.
func (c *RPCClient) Submit(ctx context.Context, proof merged.AuxPow, candidate Candidate) error {
	auxPowHex := hex.EncodeToString(encodeAuxPow(proof))
	hashHex := hex.EncodeToString(candidate.BlockHash[:])

	result, err := c.call(ctx, "submitauxblock", hashHex, auxPowHex)
	if err != nil {
		return err
	}

	var accepted bool
	if err := json.Unmarshal(result, &accepted); err == nil && !accepted {
		return fmt.Errorf("auxchain: submitauxblock: rejected")
	}
	return nil
}

// encodeAuxPow serializes an AuxPow proof to the flat byte layout aux
// chains expect: coinbase length-prefixed, then the two Merkle branches
// length-prefixed, then the slot index and parent header.
func encodeAuxPow(p merged.AuxPow) []byte {
	var buf bytes.Buffer

	writeUvarint(&buf, uint64(len(p.ParentCoinbaseRaw)))
	buf.Write(p.ParentCoinbaseRaw)

	writeUvarint(&buf, uint64(len(p.ParentMerkleProof)))
	for _, h := range p.ParentMerkleProof {
		buf.Write(h[:])
	}

	writeUvarint(&buf, uint64(len(p.AuxMerkleProof)))
	for _, h := range p.AuxMerkleProof {
		buf.Write(h[:])
	}

	var idx [4]byte
	idx[0] = byte(p.AuxSlotIndex)
	idx[1] = byte(p.AuxSlotIndex >> 8)
	idx[2] = byte(p.AuxSlotIndex >> 16)
	idx[3] = byte(p.AuxSlotIndex >> 24)
	buf.Write(idx[:])

	parentRaw := p.ParentHeader.Serialize()
	buf.Write(parentRaw[:])

	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	buf.Write(tmp[:n+1])
}
