// ABOUTME: WebSocket client for the voice relay protocol
// ABOUTME: Handles handshake, roster updates, relaying and fatal session rejection
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultPath is the websocket endpoint served by the relay.
const DefaultPath = "/voice"

var (
	// ErrNotConnected is returned when sending on a closed client.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrSessionRejected is reported when the server answers with
	// ErrorWrongSession. The connection is closed.
	ErrSessionRejected = errors.New("protocol: session rejected by server")
)

// Config holds client configuration
type Config struct {
	ServerAddr string
	Path       string
	Name       string
	// Format is the codec announced to peers.
	Format audio.Format
	// Rooms are joined right after the handshake.
	Rooms []string

	HandshakeTimeout time.Duration
	// SendQueue bounds packets waiting for the writer. Unreliable sends
	// beyond it are dropped.
	SendQueue int

	// OnVoice receives raw VoiceData packets on the read goroutine. The
	// buffer is only valid during the call.
	OnVoice func(packet []byte)
	OnText  func(TextMessage)
	OnPeer  func(PeerEvent)
	// OnError receives the error that ended the connection.
	OnError func(error)
	Logger  logrus.FieldLogger
}

// Peer is another client on the server.
type Peer struct {
	ID     uint16
	Name   string
	Format audio.Format
	Rooms  []string
}

// PeerEventType is the kind of roster change.
type PeerEventType int

const (
	PeerJoined PeerEventType = iota
	PeerUpdated
	PeerLeft
)

// PeerEvent describes a roster change.
type PeerEvent struct {
	Type PeerEventType
	Peer Peer
}

// TextMessage is a received chat message.
type TextMessage struct {
	From      uint16
	ToRoom    bool
	Recipient uint16
	Text      string
}

type outgoing struct {
	data []byte
}

// Client is a connection to a relay server.
type Client struct {
	cfg    Config
	badLog *logging.Limited

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	session   uint32
	clientID  uint16
	peers     map[uint16]*Peer
	rooms     map[string]struct{}
	err       error

	sendQ   chan outgoing
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewClient creates a new WebSocket client
func NewClient(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		badLog: logging.NewLimited(cfg.Logger, time.Second, 5),
		peers:  make(map[uint16]*Peer),
		rooms:  make(map[string]struct{}),
		sendQ:  make(chan outgoing, cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the server and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.cfg.ServerAddr, Path: c.cfg.Path}
	c.cfg.Logger.WithField("url", u.String()).Info("Connecting to voice server")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	for _, room := range c.cfg.Rooms {
		if err := c.JoinRoom(room); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handshake(conn *websocket.Conn) error {
	req, err := wire.Marshal(&wire.HandshakeRequest{Codec: c.cfg.Format.Settings(), Name: c.cfg.Name})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read handshake response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *wire.HandshakeResponse:
		c.mu.Lock()
		c.session = m.Session
		c.clientID = m.ClientID
		for _, info := range m.Clients {
			if info.ClientID == m.ClientID {
				continue
			}
			c.peers[info.ClientID] = peerFromInfo(info)
		}
		c.mu.Unlock()
		c.cfg.Logger.WithFields(logrus.Fields{
			"session":   m.Session,
			"client_id": m.ClientID,
			"peers":     len(m.Clients),
		}).Info("Handshake complete with server")
		return nil
	case *wire.ErrorWrongSession:
		return ErrSessionRejected
	default:
		return fmt.Errorf("%w: expected handshake response, got %s", wire.ErrUnexpectedType, msg.Type())
	}
}

func peerFromInfo(info wire.ClientInfo) *Peer {
	return &Peer{
		ID:     info.ClientID,
		Name:   info.Name,
		Format: audio.FormatFromSettings(info.Codec),
		Rooms:  slices.Clone(info.Rooms),
	}
}

// Identity returns the session and client id assigned by the server.
func (c *Client) Identity() (session uint32, clientID uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.clientID
}

// Peers returns the roster ordered by id.
func (c *Client) Peers() []Peer {
	c.mu.RLock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		cp := *p
		cp.Rooms = slices.Clone(p.Rooms)
		out = append(out, cp)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Peer) int { return int(a.ID) - int(b.ID) })
	return out
}

// Rooms lists the rooms this client joined.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// JoinRoom announces membership of a room.
func (c *Client) JoinRoom(room string) error {
	return c.setRoom(room, true)
}

// LeaveRoom announces leaving a room.
func (c *Client) LeaveRoom(room string) error {
	return c.setRoom(room, false)
}

func (c *Client) setRoom(room string, joined bool) error {
	session, id := c.Identity()
	p, err := wire.Marshal(&wire.DeltaChannelState{Session: session, Joined: joined, Peer: id, Room: room})
	if err != nil {
		return err
	}
	if err := c.SendReliable(p, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if joined {
		c.rooms[room] = struct{}{}
	} else {
		delete(c.rooms, room)
	}
	c.mu.Unlock()
	return nil
}

// SendText sends a chat message to a player or a room.
func (c *Client) SendText(toRoom bool, recipient uint16, text string) error {
	session, id := c.Identity()
	rt := wire.RecipientPlayer
	if toRoom {
		rt = wire.RecipientRoom
	}
	p, err := wire.Marshal(&wire.TextData{Session: session, RecipientType: rt, Sender: id, Recipient: recipient, Text: text})
	if err != nil {
		return err
	}
	return c.SendReliable(p, nil)
}

// SendUnreliable queues a packet without blocking. It is dropped when the
// send queue is full. Non-empty destinations wrap it in a relay message.
func (c *Client) SendUnreliable(packet []byte, destinations []uint16) error {
	out, err := c.frame(packet, destinations, false)
	if err != nil {
		return err
	}
	select {
	case c.sendQ <- out:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		c.dropped.Add(1)
		return nil
	}
}

// SendReliable queues a packet, waiting for room in the send queue.
func (c *Client) SendReliable(packet []byte, destinations []uint16) error {
	out, err := c.frame(packet, destinations, true)
	if err != nil {
		return err
	}
	select {
	case c.sendQ <- out:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

func (c *Client) frame(packet []byte, destinations []uint16, reliable bool) (outgoing, error) {
	if !c.IsConnected() {
		return outgoing{}, ErrNotConnected
	}
	if len(destinations) == 0 {
		return outgoing{data: append([]byte(nil), packet...)}, nil
	}
	session, _ := c.Identity()
	data, err := wire.Marshal(&wire.Relay{
		Reliable:     reliable,
		Session:      session,
		Destinations: destinations,
		Packet:       packet,
	})
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{data: data}, nil
}

// Dropped reports unreliable packets refused by a full send queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.sendQ:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if err := conn.WriteMessage(websocket.BinaryMessage, out.data); err != nil {
				c.fail(fmt.Errorf("write failed: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read failed: %w", err))
			return
		}
		if messageType != websocket.BinaryMessage {
			c.badLog.Warn(logrus.Fields{"ws_type": messageType}, "Ignoring non-binary message")
			continue
		}
		if err := c.dispatch(data); err != nil {
			if errors.Is(err, ErrSessionRejected) {
				c.fail(err)
				return
			}
			c.badLog.Warn(logrus.Fields{"error": err, "size": len(data)}, "Dropped malformed packet")
		}
	}
}

// dispatch routes one inbound packet.
func (c *Client) dispatch(data []byte) error {
	t, err := wire.PeekType(data)
	if err != nil {
		return err
	}
	if t == wire.TypeVoiceData {
		if c.cfg.OnVoice != nil {
			c.cfg.OnVoice(data)
		}
		return nil
	}

	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *wire.ErrorWrongSession:
		return fmt.Errorf("%w: server expects session %d", ErrSessionRejected, m.Expected)
	case *wire.ClientState:
		c.updatePeer(m.ClientInfo)
	case *wire.DeltaChannelState:
		c.updatePeerRoom(m)
	case *wire.RemoveClient:
		c.removePeer(m.ClientID)
	case *wire.TextData:
		if c.cfg.OnText != nil {
			c.cfg.OnText(TextMessage{
				From:      m.Sender,
				ToRoom:    m.RecipientType == wire.RecipientRoom,
				Recipient: m.Recipient,
				Text:      m.Text,
			})
		}
	case *wire.Relay:
		return c.dispatch(m.Packet)
	default:
		c.cfg.Logger.WithField("type", msg.Type().String()).Debug("Ignoring message")
	}
	return nil
}

func (c *Client) updatePeer(info wire.ClientInfo) {
	c.mu.Lock()
	if info.ClientID == c.clientID {
		c.mu.Unlock()
		return
	}
	_, known := c.peers[info.ClientID]
	p := peerFromInfo(info)
	c.peers[info.ClientID] = p
	snapshot := *p
	c.mu.Unlock()

	ev := PeerEvent{Type: PeerUpdated, Peer: snapshot}
	if !known {
		ev.Type = PeerJoined
		c.cfg.Logger.WithFields(logrus.Fields{"peer": info.ClientID, "name": info.Name}).Info("Peer joined")
	}
	c.emitPeer(ev)
}

func (c *Client) updatePeerRoom(m *wire.DeltaChannelState) {
	c.mu.Lock()
	p, ok := c.peers[m.Peer]
	if !ok {
		c.mu.Unlock()
		return
	}
	i := slices.Index(p.Rooms, m.Room)
	switch {
	case m.Joined && i < 0:
		p.Rooms = append(p.Rooms, m.Room)
	case !m.Joined && i >= 0:
		p.Rooms = slices.Delete(p.Rooms, i, i+1)
	}
	snapshot := *p
	snapshot.Rooms = slices.Clone(p.Rooms)
	c.mu.Unlock()

	c.emitPeer(PeerEvent{Type: PeerUpdated, Peer: snapshot})
}

func (c *Client) removePeer(id uint16) {
	c.mu.Lock()
	p, ok := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.cfg.Logger.WithField("peer", id).Info("Peer left")
	c.emitPeer(PeerEvent{Type: PeerLeft, Peer: *p})
}

func (c *Client) emitPeer(ev PeerEvent) {
	if c.cfg.OnPeer != nil {
		c.cfg.OnPeer(ev)
	}
}

// fail closes the connection with err and reports it once.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.err = err
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	conn.Close()
	if errors.Is(err, ErrSessionRejected) {
		c.cfg.Logger.WithError(err).Error("Server rejected session, disconnecting")
	} else {
		c.cfg.Logger.WithError(err).Warn("Connection lost")
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.cancel()
		return
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	c.wg.Wait()
	c.cfg.Logger.Info("Connection closed")
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
