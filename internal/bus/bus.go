// Package bus implements the node bus: a length-prefixed, JSON-encoded TCP
// protocol connecting every node in the cluster, used to proxy writes from
// replicas to their primary and to hint replicas that new frames are ready.
package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxEnvelopeSize = 64 << 20 // guards a corrupt length prefix from an unbounded allocation

// Handler processes one inbound envelope. It runs on the peer connection's
// read loop, so a slow handler stalls that peer's traffic only — Bus never
// blocks on a send waiting for a Handler to finish a prior message.
type Handler func(ctx context.Context, env Envelope)

// Bus is this node's side of the node bus: it listens for inbound peer
// connections, dials outbound ones on demand, and routes envelopes by
// destination node id.
type Bus struct {
	nodeID  uint64
	logger  zerolog.Logger
	handler Handler

	mu    sync.Mutex
	peers map[uint64]*peerConn // node id -> live connection, nil if not yet connected
	addrs map[uint64]string    // node id -> dial address, known ahead of connecting
}

// New creates a Bus identifying itself as nodeID. Call Listen to accept
// inbound peer connections and AddPeer to register dial addresses for
// outbound ones.
func New(nodeID uint64, logger zerolog.Logger, handler Handler) *Bus {
	return &Bus{
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "bus").Uint64("node_id", nodeID).Logger(),
		handler: handler,
		peers:   make(map[uint64]*peerConn),
		addrs:   make(map[uint64]string),
	}
}

// AddPeer registers the dial address for a peer node, used lazily the first
// time this node needs to send it an envelope.
func (b *Bus) AddPeer(nodeID uint64, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[nodeID] = addr
}

// Listen accepts inbound peer connections on addr until ctx is canceled.
func (b *Bus) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bus: listen on %s: %w", addr, err)
	}
	b.logger.Info().Str("addr", addr).Msg("bus listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus: accept: %w", err)
		}
		go b.serveInbound(ctx, conn)
	}
}

func (b *Bus) serveInbound(ctx context.Context, conn net.Conn) {
	pc := newPeerConn(conn)
	env, err := pc.readEnvelope()
	if err != nil {
		b.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound connection closed before handshake")
		conn.Close()
		return
	}
	if env.Message.Kind != KindHello || env.Message.Hello == nil {
		b.logger.Warn().Msg("inbound connection did not send hello first")
		conn.Close()
		return
	}
	peerID := env.Message.Hello.NodeID
	b.logger.Info().Uint64("peer", peerID).Msg("peer connected")

	b.mu.Lock()
	if existing, ok := b.peers[peerID]; ok {
		existing.close()
	}
	b.peers[peerID] = pc
	b.mu.Unlock()

	b.readLoop(ctx, peerID, pc)
}

func (b *Bus) readLoop(ctx context.Context, peerID uint64, pc *peerConn) {
	defer func() {
		b.mu.Lock()
		if b.peers[peerID] == pc {
			delete(b.peers, peerID)
		}
		b.mu.Unlock()
		pc.close()
	}()

	for {
		env, err := pc.readEnvelope()
		if err != nil {
			if err != io.EOF {
				b.logger.Warn().Err(err).Uint64("peer", peerID).Msg("peer connection read error")
			}
			return
		}
		b.handler(ctx, env)
	}
}

// Send delivers msg to the given destination node, dialing or redialing as
// needed with jittered backoff. It blocks until the envelope is written or
// ctx is canceled, and returns the fresh envelope id assigned to the
// message so a caller expecting a correlated reply (see Reply) can wait on
// it.
func (b *Bus) Send(ctx context.Context, to uint64, dbName string, msg Message) (string, error) {
	id := uuid.NewString()
	env := Envelope{
		From:    b.nodeID,
		To:      &to,
		DBName:  dbName,
		Message: msg,
		ID:      id,
	}
	if err := b.sendEnvelope(ctx, to, env); err != nil {
		return "", err
	}
	return id, nil
}

// Reply delivers msg to the given destination node as a response to
// requestID, the id of the envelope being answered.
func (b *Bus) Reply(ctx context.Context, to uint64, dbName, requestID string, msg Message) error {
	env := Envelope{
		From:    b.nodeID,
		To:      &to,
		DBName:  dbName,
		Message: msg,
		ID:      uuid.NewString(),
		ReplyTo: requestID,
	}
	return b.sendEnvelope(ctx, to, env)
}

func (b *Bus) sendEnvelope(ctx context.Context, to uint64, env Envelope) error {
	pc, err := b.connection(ctx, to)
	if err != nil {
		return err
	}
	if err := pc.writeEnvelope(env); err != nil {
		b.mu.Lock()
		if b.peers[to] == pc {
			delete(b.peers, to)
		}
		b.mu.Unlock()
		pc.close()
		return fmt.Errorf("bus: send to node %d: %w", to, err)
	}
	return nil
}

func (b *Bus) connection(ctx context.Context, to uint64) (*peerConn, error) {
	b.mu.Lock()
	if pc, ok := b.peers[to]; ok {
		b.mu.Unlock()
		return pc, nil
	}
	addr, ok := b.addrs[to]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bus: no known address for node %d", to)
	}

	pc, err := b.dial(ctx, to, addr)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.peers[to] = pc
	b.mu.Unlock()
	go b.readLoop(ctx, to, pc)
	return pc, nil
}

func (b *Bus) dial(ctx context.Context, to uint64, addr string) (*peerConn, error) {
	backoff := newBackoff()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.next()):
			}
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		pc := newPeerConn(conn)
		hello := Envelope{
			From:    b.nodeID,
			Message: Message{Kind: KindHello, Hello: &Hello{NodeID: b.nodeID, Nonce: uuid.NewString()}},
		}
		if err := pc.writeEnvelope(hello); err != nil {
			pc.close()
			lastErr = err
			continue
		}
		return pc, nil
	}
	return nil, fmt.Errorf("bus: dial node %d at %s: %w", to, addr, lastErr)
}

// peerConn is one length-prefixed JSON connection to a peer node.
type peerConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, r: bufio.NewReader(conn)}
}

func (pc *peerConn) close() error { return pc.conn.Close() }

func (pc *peerConn) readEnvelope() (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(pc.r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEnvelopeSize {
		return Envelope{}, fmt.Errorf("bus: envelope too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(pc.r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	return env, nil
}

func (pc *peerConn) writeEnvelope(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	if _, err := pc.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = pc.conn.Write(body)
	return err
}

// backoff implements the jittered exponential backoff SPEC_FULL.md specifies
// for replication and bus redial: 200ms base, doubling, capped at 10s, +/-20%
// jitter.
type backoff struct {
	cur time.Duration
}

func newBackoff() *backoff { return &backoff{cur: 200 * time.Millisecond} }

func (b *backoff) next() time.Duration {
	const cap = 10 * time.Second
	d := b.cur
	jitter := time.Duration(rand.Int63n(int64(d) / 5 * 2)) - d/5 // +/-20%
	b.cur *= 2
	if b.cur > cap {
		b.cur = cap
	}
	return d + jitter
}
