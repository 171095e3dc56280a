// Package pool implements the lowest-priority chain-tip source: a
// line-delimited JSON-RPC handshake (subscribe, authorize, notify) against
// an upstream pool-style endpoint, used only when both the shared-memory
// and relay sources have been silent beyond their grace window. It emits
// chaintip.Tip events rather than driving a Stratum server directly.
package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/logging"
	"github.com/quaxis-io/quaxis/internal/primitives"
)

// Client is a line-delimited JSON-RPC pool client. It subscribes,
// authorizes, and turns every mining.notify frame into a chaintip.Tip.
type Client struct {
	url        string
	workerName string
	password   string

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	connected  atomic.Bool
	authorized atomic.Bool
	running    atomic.Bool
	stopCh     chan struct{}

	nextID  atomic.Int64
	pending map[int64]chan json.RawMessage
	pendMu  sync.Mutex

	reconnect *rate.Limiter
	log       *logging.Logger

	sink chaintip.Sink
}

type rpcRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// New builds a pool client. sink receives a Tip for every notify frame
// once Connect succeeds.
func New(url, workerName, password string, log *logging.Logger, sink chaintip.Sink) *Client {
	return &Client{
		url:        normalizeURL(url),
		workerName: workerName,
		password:   password,
		pending:    make(map[int64]chan json.RawMessage),
		stopCh:     make(chan struct{}),
		reconnect:  rate.NewLimiter(rate.Every(time.Second), 1),
		log:        log,
		sink:       sink,
	}
}

// Connect dials the pool, subscribes, and authorizes.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.url, 15*time.Second)
	if err != nil {
		return fmt.Errorf("pool: dial %s: %w", c.url, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(45 * time.Second)
		tc.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 8192)
	c.connected.Store(true)
	c.running.Store(true)

	go c.readLoop()

	if err := c.subscribe(); err != nil {
		c.closeConn()
		return fmt.Errorf("pool: subscribe: %w", err)
	}
	if err := c.authorize(); err != nil {
		c.closeConn()
		return fmt.Errorf("pool: authorize: %w", err)
	}

	c.log.Infof("chaintip.pool", "connected to %s", c.url)
	go c.reconnectLoop()
	return nil
}

// Stop disconnects and halts the reconnect loop.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.closeConn()
	c.log.Info("chaintip.pool", "client stopped")
}

func (c *Client) IsConnected() bool  { return c.connected.Load() }
func (c *Client) IsAuthorized() bool { return c.authorized.Load() }

func (c *Client) subscribe() error {
	resp, err := c.call("mining.subscribe", []interface{}{"quaxisd/1.0"}, 10*time.Second)
	if err != nil {
		return err
	}
	var result []json.RawMessage
	if err := json.Unmarshal(resp, &result); err != nil || len(result) < 3 {
		return fmt.Errorf("parse subscribe result")
	}
	return nil
}

func (c *Client) authorize() error {
	resp, err := c.call("mining.authorize", []interface{}{c.workerName, c.password}, 10*time.Second)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(resp, &ok); err != nil || !ok {
		return fmt.Errorf("quaxerr.Unauthorized: %s", string(resp))
	}
	c.authorized.Store(true)
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.authorized.Store(false)
	}()

	for c.running.Load() {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if c.running.Load() {
				c.log.Errorf("chaintip.pool", "read error: %v", err)
			}
			return
		}

		var msg rpcResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.ID != nil {
			c.pendMu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.pendMu.Unlock()
			if ok {
				if len(msg.Error) > 0 && string(msg.Error) != "null" {
					ch <- msg.Error
				} else {
					ch <- msg.Result
				}
			}
			continue
		}

		if msg.Method == "mining.notify" {
			c.handleNotify(msg.Params)
		}
	}
}

// handleNotify converts a mining.notify frame into a chaintip.Tip. A
// generic pool notify carries prevhash/version/nbits/ntime but not height
// or coinbase value; those fields are left zero, and the template cache
// does not derive them: it builds from the Height the tip carries.
func (c *Client) handleNotify(params json.RawMessage) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 8 {
		c.log.Errorf("chaintip.pool", "invalid mining.notify params")
		return
	}

	var prevHashHex, nbitsHex, ntimeHex string
	json.Unmarshal(raw[1], &prevHashHex)
	json.Unmarshal(raw[6], &nbitsHex)
	json.Unmarshal(raw[7], &ntimeHex)

	prevHash, err := stratumPrevHashToInternal(prevHashHex)
	if err != nil {
		c.log.Errorf("chaintip.pool", "bad prevhash: %v", err)
		return
	}

	bits, _ := hex.DecodeString(nbitsHex)
	ntime, _ := hex.DecodeString(ntimeHex)
	if len(bits) != 4 || len(ntime) != 4 {
		return
	}

	tip := chaintip.Tip{
		State:     chaintip.StateConfirmed,
		PrevHash:  prevHash,
		Bits:      binary.BigEndian.Uint32(bits),
		Timestamp: binary.BigEndian.Uint32(ntime),
		Source:    "pool",
	}
	if c.sink != nil {
		c.sink(tip)
	}
}

func (c *Client) call(method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	ch := make(chan json.RawMessage, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	if err := c.send(req); err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, fmt.Errorf("pool: timeout waiting for %s", method)
	case <-c.stopCh:
		return nil, fmt.Errorf("pool: client stopped")
	}
}

func (c *Client) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("pool: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(data)
	return err
}

func (c *Client) closeConn() {
	c.connected.Store(false)
	c.authorized.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
	c.pendMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
}

// reconnectLoop paces reconnect attempts with a token-bucket limiter
// (golang.org/x/time/rate): one attempt per interval, with a jittered
// nudge on top so a farm of coordinators restarting together doesn't
// reconnect in lockstep.
func (c *Client) reconnectLoop() {
	ctx, cancel := contextFromStop(c.stopCh)
	defer cancel()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		for c.connected.Load() {
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
		if !c.running.Load() {
			return
		}

		if err := c.reconnect.Wait(ctx); err != nil {
			return // stopCh closed
		}
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
		if !c.running.Load() {
			return
		}

		conn, err := net.DialTimeout("tcp", c.url, 15*time.Second)
		if err != nil {
			c.log.Errorf("chaintip.pool", "reconnect dial failed: %v", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(45 * time.Second)
			tc.SetNoDelay(true)
		}

		c.conn = conn
		c.reader = bufio.NewReaderSize(conn, 8192)
		c.connected.Store(true)
		c.pending = make(map[int64]chan json.RawMessage)
		go c.readLoop()

		if err := c.subscribe(); err != nil {
			c.log.Errorf("chaintip.pool", "reconnect subscribe failed: %v", err)
			c.closeConn()
			continue
		}
		if err := c.authorize(); err != nil {
			c.log.Errorf("chaintip.pool", "reconnect authorize failed: %v", err)
			c.closeConn()
			continue
		}

		c.log.Infof("chaintip.pool", "reconnected to %s", c.url)
	}
}

// contextFromStop adapts a close-to-cancel channel into a context.Context
// for use with rate.Limiter.Wait.
func contextFromStop(stop chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func normalizeURL(url string) string {
	url = strings.TrimPrefix(url, "stratum+tcp://")
	url = strings.TrimPrefix(url, "stratum://")
	url = strings.TrimSuffix(url, "/")
	return url
}

// stratumPrevHashToInternal undoes Stratum's 4-byte-group swap to recover
// internal (little-endian) byte order.
func stratumPrevHashToInternal(s string) (primitives.Hash256, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return primitives.Hash256{}, fmt.Errorf("bad prevhash hex")
	}
	var out primitives.Hash256
	for i := 0; i < 8; i++ {
		off := i * 4
		out[off+0] = raw[off+3]
		out[off+1] = raw[off+2]
		out[off+2] = raw[off+1]
		out[off+3] = raw[off+0]
	}
	return out, nil
}
