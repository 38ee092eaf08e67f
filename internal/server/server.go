// ABOUTME: Voice relay server and session authority
// ABOUTME: Manages WebSocket connections, rooms and packet routing between clients
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/pkg/discovery"
	"github.com/Resonate-Protocol/resonate-voice/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeDeadline     = 10 * time.Second
	pingInterval      = 30 * time.Second
	handshakeDeadline = 10 * time.Second
)

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	Path       string
	EnableMDNS bool
	UseTUI     bool
	// MetricsAddr serves /metrics on a separate listener. Empty serves it
	// next to the websocket endpoint.
	MetricsAddr string
	// Session fixes the session id. Zero picks a random one.
	Session uint32
	// SendQueue bounds packets waiting for each client's writer.
	SendQueue int
	Logger    logrus.FieldLogger
}

// Server is the relay and the authority for the session id.
type Server struct {
	config   Config
	serverID string
	session  uint32
	log      logrus.FieldLogger
	badLog   *logging.Limited
	metrics  *Metrics

	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
	mux           *http.ServeMux

	clients   map[uint16]*Client
	roster    *roster
	clientsMu sync.RWMutex

	mdnsManager *discovery.Manager

	tui       *ServerTUI
	startTime time.Time

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Client is one connected websocket peer.
type Client struct {
	ID     uint16
	Name   string
	Remote string

	conn     *websocket.Conn
	sendChan chan []byte
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Name == "" {
		config.Name = "Resonate Voice Relay"
	}
	if config.Path == "" {
		config.Path = protocol.DefaultPath
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 256
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	session := config.Session
	for session == 0 {
		session = rand.Uint32()
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		session:  session,
		metrics:  NewMetrics(),
		mux:      http.NewServeMux(),
		clients:  make(map[uint16]*Client),
		roster:   newRoster(),
		stopChan: make(chan struct{}),
	}
	s.log = config.Logger.WithFields(logrus.Fields{"server": s.serverID, "session": session})
	s.badLog = logging.NewLimited(s.log, time.Second, 5)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin != "" && origin != "http://localhost" && origin != "http://127.0.0.1" {
				s.log.WithField("origin", origin).Warn("Accepting WebSocket from foreign origin")
			}
			return true
		},
	}

	s.mux.HandleFunc(config.Path, s.handleWebSocket)
	if config.MetricsAddr == "" {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	return s
}

// Session returns the session id every packet must carry.
func (s *Server) Session() uint32 { return s.session }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the server until Stop, a TUI quit or a listener error.
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewServerTUI()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(s.config.Name, s.config.Port, s.session); err != nil {
				s.log.WithError(err).Error("TUI failed")
			}
		}()
	}

	s.startTime = time.Now()
	s.log.WithField("name", s.config.Name).Info("Server starting")

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        s.config.Path,
			Logger:      s.log,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			s.log.WithError(err).Warn("Failed to start mDNS advertisement")
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	errChan := make(chan error, 2)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.log.WithField("addr", addr).Info("WebSocket server listening")

	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
		s.log.WithField("addr", s.config.MetricsAddr).Info("Metrics listening")
	}

	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
		s.updateTUI()
	}

	var serverErr error
	select {
	case <-s.stopChan:
		s.log.Info("Server shutting down")
	case <-tuiQuitChan:
		s.log.Info("TUI quit requested, shutting down")
	case err := <-errChan:
		s.log.WithError(err).Error("HTTP server error")
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.tui != nil {
		s.tui.Stop()
	}
	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("HTTP server shutdown error")
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	s.closeClients()

	s.wg.Wait()
	s.log.Info("Server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// closeClients drops every connection; hijacked websockets survive
// http.Server.Shutdown.
func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShutdown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Debug("New WebSocket connection")

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(conn, r.RemoteAddr)
}

// handleConnection runs the handshake and then the read loop of one client.
func (s *Server) handleConnection(conn *websocket.Conn, remote string) {
	defer conn.Close()
	log := s.log.WithField("remote", remote)

	req, err := s.readHandshake(conn)
	if err != nil {
		if errors.Is(err, wire.ErrWrongSession) {
			s.metrics.WrongSession.Inc()
			s.writeDirect(conn, &wire.ErrorWrongSession{Expected: s.session})
		} else {
			s.metrics.Malformed.Inc()
		}
		s.badLog.Warn(logrus.Fields{"remote": remote, "error": err}, "Handshake failed")
		return
	}

	client, resp, ok := s.register(conn, remote, req)
	if !ok {
		log.Warn("No client ids left, rejecting connection")
		return
	}
	log = log.WithFields(logrus.Fields{"client": client.ID, "name": client.Name})

	// The response goes out before the writer starts so it is always first.
	if err := s.writeDirect(conn, resp); err != nil {
		log.WithError(err).Warn("Failed to send handshake response")
		s.unregister(client)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(client)
	}()
	defer s.unregister(client)

	log.Info("Client connected")
	s.broadcastState(client.ID)
	s.updateTUI()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("WebSocket error")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			s.metrics.Malformed.Inc()
			continue
		}
		s.handlePacket(client, data)
	}
}

func (s *Server) readHandshake(conn *websocket.Conn) (*wire.HandshakeRequest, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("error reading handshake: %w", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*wire.HandshakeRequest)
	if !ok {
		// A client that kept a session from an earlier server run.
		if session, has, _ := wire.PeekSession(data); has && session != 0 && session != s.session {
			return nil, &wire.SessionMismatchError{Expected: s.session, Got: session}
		}
		return nil, fmt.Errorf("%w: expected handshake, got %s", wire.ErrUnexpectedType, msg.Type())
	}
	return req, nil
}

// register adds the client to the roster and builds its handshake response.
func (s *Server) register(conn *websocket.Conn, remote string, req *wire.HandshakeRequest) (*Client, *wire.HandshakeResponse, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	id, ok := s.roster.allocate()
	if !ok {
		return nil, nil, false
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("client-%d", id)
	}
	client := &Client{
		ID:       id,
		Name:     name,
		Remote:   remote,
		conn:     conn,
		sendChan: make(chan []byte, s.config.SendQueue),
	}
	s.clients[id] = client
	s.roster.add(wire.ClientInfo{Name: name, ClientID: id, Codec: req.Codec})
	s.metrics.Clients.Set(float64(len(s.clients)))

	return client, &wire.HandshakeResponse{
		Session:  s.session,
		ClientID: id,
		Clients:  s.roster.infos(),
		Rooms:    s.roster.roomNames(),
	}, true
}

func (s *Server) unregister(client *Client) {
	s.clientsMu.Lock()
	if s.clients[client.ID] != client {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, client.ID)
	s.roster.remove(client.ID)
	close(client.sendChan)
	s.metrics.Clients.Set(float64(len(s.clients)))
	s.clientsMu.Unlock()

	s.log.WithFields(logrus.Fields{"client": client.ID, "name": client.Name}).Info("Client disconnected")
	s.broadcast(0, &wire.RemoveClient{Session: s.session, ClientID: client.ID})
	s.updateTUI()
}

// clientWriter sends queued packets and keeps the connection alive.
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-client.sendChan:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.log.WithError(err).WithField("client", client.ID).Debug("Write failed")
				client.conn.Close()
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

// writeDirect writes before the client writer owns the connection.
func (s *Server) writeDirect(conn *websocket.Conn, m wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// handlePacket validates the session and routes one packet.
func (s *Server) handlePacket(client *Client, data []byte) {
	fields := logrus.Fields{"client": client.ID, "size": len(data)}

	session, has, err := wire.PeekSession(data)
	if err != nil {
		s.metrics.Malformed.Inc()
		fields["error"] = err
		s.badLog.Warn(fields, "Dropped malformed packet")
		return
	}
	if has && session != s.session {
		s.rejectSession(client, session)
		return
	}

	t, _ := wire.PeekType(data)
	if t == wire.TypeVoiceData {
		s.routeVoice(client, data)
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		s.metrics.Malformed.Inc()
		fields["error"] = err
		s.badLog.Warn(fields, "Dropped malformed packet")
		return
	}
	switch m := msg.(type) {
	case *wire.TextData:
		s.routeText(client, m, data)
	case *wire.Relay:
		s.routeRelay(client, m)
	case *wire.ClientState:
		s.handleClientState(client, m)
	case *wire.DeltaChannelState:
		s.handleDeltaChannelState(client, m)
	default:
		s.log.WithFields(fields).WithField("type", msg.Type().String()).Debug("Ignoring message")
	}
}

func (s *Server) rejectSession(client *Client, got uint32) {
	s.metrics.WrongSession.Inc()
	s.badLog.Warn(logrus.Fields{
		"client":   client.ID,
		"got":      got,
		"expected": s.session,
	}, "Rejected packet from foreign session")

	data, err := wire.Marshal(&wire.ErrorWrongSession{Expected: s.session})
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	s.enqueue(client, data)
	s.clientsMu.RUnlock()
}

func (s *Server) routeVoice(client *Client, data []byte) {
	m, err := wire.DecodeVoiceData(data)
	if err != nil {
		s.metrics.Malformed.Inc()
		s.badLog.Warn(logrus.Fields{"client": client.ID, "error": err}, "Dropped malformed voice packet")
		return
	}
	if m.Sender != client.ID {
		s.metrics.Malformed.Inc()
		s.badLog.Warn(logrus.Fields{"client": client.ID, "sender": m.Sender}, "Dropped voice packet with spoofed sender")
		return
	}

	s.clientsMu.RLock()
	targets := s.roster.voiceTargets(client.ID, m.Channels)
	s.deliver(targets, data, "voice")
	s.clientsMu.RUnlock()
}

func (s *Server) routeText(client *Client, m *wire.TextData, data []byte) {
	if m.Sender != client.ID {
		s.metrics.Malformed.Inc()
		return
	}
	s.clientsMu.RLock()
	targets := s.roster.textTargets(client.ID, m)
	s.deliver(targets, data, "text")
	s.clientsMu.RUnlock()
}

// routeRelay forwards the nested packet. It must carry this session too.
func (s *Server) routeRelay(client *Client, m *wire.Relay) {
	session, has, err := wire.PeekSession(m.Packet)
	if err != nil {
		s.metrics.Malformed.Inc()
		s.badLog.Warn(logrus.Fields{"client": client.ID, "error": err}, "Dropped malformed relay payload")
		return
	}
	if has && session != s.session {
		s.rejectSession(client, session)
		return
	}

	packet := append([]byte(nil), m.Packet...)
	s.clientsMu.RLock()
	targets := s.roster.relayTargets(client.ID, m.Destinations)
	s.deliver(targets, packet, "relay")
	s.clientsMu.RUnlock()
}

func (s *Server) handleClientState(client *Client, m *wire.ClientState) {
	s.clientsMu.Lock()
	_, ok := s.roster.update(client.ID, m.ClientInfo)
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	s.broadcastState(client.ID)
	s.updateTUI()
}

func (s *Server) handleDeltaChannelState(client *Client, m *wire.DeltaChannelState) {
	if m.Peer != client.ID {
		s.metrics.Malformed.Inc()
		return
	}
	s.clientsMu.Lock()
	changed := s.roster.setRoom(client.ID, m.Room, m.Joined)
	s.clientsMu.Unlock()
	if !changed {
		return
	}

	s.log.WithFields(logrus.Fields{
		"client": client.ID,
		"room":   m.Room,
		"joined": m.Joined,
	}).Info("Room membership changed")
	s.broadcast(client.ID, &wire.DeltaChannelState{Session: s.session, Joined: m.Joined, Peer: client.ID, Room: m.Room})
	s.updateTUI()
}

// broadcastState announces a client's state to everyone else.
func (s *Server) broadcastState(id uint16) {
	s.clientsMu.RLock()
	m, ok := s.roster.members[id]
	var info wire.ClientInfo
	if ok {
		info = m.info
	}
	s.clientsMu.RUnlock()
	if !ok {
		return
	}
	s.broadcast(id, &wire.ClientState{Session: s.session, ClientInfo: info})
}

// broadcast sends m to every client except the one with id except.
func (s *Server) broadcast(except uint16, m wire.Message) {
	data, err := wire.Marshal(m)
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode broadcast")
		return
	}
	s.clientsMu.RLock()
	s.deliver(s.roster.others(except), data, "control")
	s.clientsMu.RUnlock()
}

// deliver queues data for each target. Callers hold clientsMu so no send
// channel is closed underneath.
func (s *Server) deliver(targets []uint16, data []byte, kind string) {
	delivered := 0
	for _, id := range targets {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		if s.enqueue(c, data) {
			delivered++
		}
	}
	if delivered > 0 {
		s.metrics.PacketsRelayed.WithLabelValues(kind).Add(float64(delivered))
	}
}

// enqueue never blocks; a full buffer drops the packet.
func (s *Server) enqueue(c *Client, data []byte) bool {
	select {
	case c.sendChan <- data:
		return true
	default:
		s.metrics.SendDropped.Inc()
		s.badLog.Warn(logrus.Fields{"client": c.ID}, "Client send buffer full, dropping packet")
		return false
	}
}
