// Package mqttbroker implements a minimal MQTT v3.1.1 broker restricted to
// QoS 0. It doubles as the receiver's work-dispatch channel: every publish,
// whether it arrives from a connected client or from Publish on the server
// side, is routed through the registered handler and forwarded to matching
// subscribers. Delivery is at-most-once with no acknowledgment and no
// ordering across publishes, which is exactly the contract the ingestion
// path is built on.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message represents a QoS 0 publish moving through the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each publish routed through the broker.
type Handler func(context.Context, Message)

// localClientID tags messages originating from server-side Publish calls.
const localClientID = "local"

type session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	filters map[string]struct{}
	id      string
	closed  atomic.Bool
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *session) subscribed(topic string) bool {
	for filter := range c.filters {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *session) addFilter(filter string) {
	c.filters[filter] = struct{}{}
}

func (c *session) clearFilters() {
	for k := range c.filters {
		delete(c.filters, k)
	}
}

func (c *session) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and dispatches publishes.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal
// errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("transient accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			sess := newSession(conn)
			b.addSession(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or "" before Start.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for sess := range b.sessions {
		sess.closed.Store(true)
		_ = sess.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each routed publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Publish dispatches a message originating on the server side. It is
// fire-and-forget: the handler runs on the caller's goroutine boundary
// asynchronously and subscriber write failures are only logged.
func (b *Broker) Publish(topic string, payload []byte) error {
	if b.shuttingDown.Load() {
		return net.ErrClosed
	}

	msg := Message{ClientID: localClientID, Topic: topic, Payload: payload}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.route(context.Background(), msg, nil)
	}()

	return nil
}

// route invokes the handler and forwards the message to every subscribed
// session except the originator.
func (b *Broker) route(ctx context.Context, msg Message, origin *session) {
	if h, ok := b.handler.Load().(Handler); ok {
		safeInvoke(h, ctx, msg, b.logger)
	}
	b.forward(msg.Topic, msg.Payload, origin)
}

func (b *Broker) addSession(sess *session) {
	b.sessionsMu.Lock()
	b.sessions[sess] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) removeSession(sess *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, sess)
	b.sessionsMu.Unlock()
}

func (b *Broker) serve(sess *session) {
	defer func() {
		sess.closed.Store(true)
		b.removeSession(sess)
		_ = sess.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, err := sess.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(sess.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(sess.reader, body); err != nil {
			b.logger.Debug("read packet body error", "error", err)
			return
		}

		switch header >> 4 {
		case packetConnect:
			if err := b.handleConnect(sess, body); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = sess.id
			b.route(ctx, msg, sess)
		case packetSubscribe:
			if err := b.handleSubscribe(sess, body); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.writeUnsubAck(sess, body); err != nil {
				b.logger.Debug("write unsuback error", "error", err)
				return
			}
		case packetPingReq:
			if err := sess.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", header>>4)
			return
		}
	}
}

func (b *Broker) handleConnect(sess *session, body []byte) error {
	rd := packetReader(body)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Will messages, auth, and persistent sessions are out of scope.
	if flags&^0x02 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	sess.id = clientID

	if err := sess.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	return nil
}

func (b *Broker) handleSubscribe(sess *session, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	filters := 0
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return fmt.Errorf("unsupported qos %d", qos)
		}
		sess.addFilter(filter)
		filters++
	}

	packet, err := buildSubAck(packetID, filters)
	if err != nil {
		return err
	}
	return sess.writePacket(packet)
}

func (b *Broker) writeUnsubAck(sess *session, body []byte) error {
	rd := packetReader(body)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	sess.clearFilters()

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return sess.writePacket(packet)
}

func (b *Broker) forward(topic string, payload []byte, exclude *session) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if sess == exclude {
			continue
		}
		if sess.subscribed(topic) {
			if err := sess.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", sess.id, "error", err)
			}
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg Message, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
