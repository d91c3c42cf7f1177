// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/pubsub"
	"keystorm.io/keystorm/pkg/ratelimit"
	"keystorm.io/keystorm/pkg/realtime/msgqueue"
	"keystorm.io/keystorm/pkg/realtime/registry"
)

// Snapshots provides the initial Top-N sent on subscription.
type Snapshots interface {
	GetTopN(ctx context.Context, key leaderboard.Key) (*leaderboard.Snapshot, error)
}

// Server is one websocket server instance of the fleet.
type Server struct {
	log      *zap.Logger
	serverID string
	config   Config

	registry  registry.Registry
	snapshots Snapshots
	fabric    pubsub.PubSub
	limiter   *ratelimit.IPLimiter
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	index   map[leaderboard.Key]map[*client]bool
	bridges map[leaderboard.Key]*viewBridge
	closed  bool

	group sync.WaitGroup
}

// viewBridge relays one view's pub/sub channels into the local index.
type viewBridge struct {
	sub  pubsub.Subscription
	done chan struct{}
}

// NewServer creates a websocket server instance.
func NewServer(log *zap.Logger, serverID string, reg registry.Registry, snapshots Snapshots, fabric pubsub.PubSub, config Config) *Server {
	return &Server{
		log:       log,
		serverID:  serverID,
		config:    config,
		registry:  reg,
		snapshots: snapshots,
		fabric:    fabric,
		limiter:   ratelimit.NewIPLimiter(config.IP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		index:   make(map[leaderboard.Key]map[*client]bool),
		bridges: make(map[leaderboard.Key]*viewBridge),
	}
}

// ID returns the server's fleet identity.
func (server *Server) ID() string { return server.serverID }

// Run clears stale registry entries of a previous generation and
// relays cross-server termination requests until ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := server.registry.CleanupServer(ctx, server.serverID); err != nil {
		server.log.Warn("stale connection cleanup failed", zap.Error(err))
	}

	sub, err := server.fabric.Subscribe(leaderboard.TerminateChannel(server.serverID))
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = sub.Close() }()

	for {
		select {
		case message, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var request terminateRequest
			if err := json.Unmarshal(message.Payload, &request); err != nil {
				server.log.Error("malformed terminate request", zap.Error(err))
				continue
			}
			server.terminateLocal(request.ClientID, request.Reason)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServeHTTP handles the leaderboard websocket endpoint.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := server.limiter.Connect(ip); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		mon.Counter("ws_rejected_ratelimit").Inc(1)
		return
	}

	client := newClient(server, conn, ip, r.URL.Query().Get("userId"), r.URL.Query().Get("username"))
	if err := server.register(r.Context(), client); err != nil {
		server.log.Error("connection registration failed", zap.Error(err))
		server.limiter.Disconnect(ip)
		_ = conn.Close()
		return
	}

	server.group.Add(2)
	go func() { defer server.group.Done(); client.writePump() }()
	go func() { defer server.group.Done(); client.readPump() }()
}

func (server *Server) register(ctx context.Context, client *client) error {
	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		return Error.New("server closed")
	}
	server.clients[client.id] = client
	server.mu.Unlock()

	previous, err := server.registry.Register(ctx, registry.Connection{
		ClientID:    client.id,
		UserID:      client.userID,
		ServerID:    server.serverID,
		ConnectedAt: time.Now().UnixNano() / int64(time.Millisecond),
	})
	if err != nil {
		server.mu.Lock()
		delete(server.clients, client.id)
		server.mu.Unlock()
		return err
	}

	if previous != nil {
		server.terminate(previous, "duplicate_connection")
	}

	client.send(msgqueue.High, encodeMessage(serverMessage{
		Type:      "connected",
		ClientID:  client.id,
		ServerID:  server.serverID,
		Tier:      client.tier(),
		Timestamp: nowMillis(),
	}))
	mon.Counter("ws_connected").Inc(1)
	return nil
}

// terminate disconnects a duplicate connection, locally when it lives
// on this server and through the fabric otherwise.
func (server *Server) terminate(conn *registry.Connection, reason string) {
	if conn.ServerID == server.serverID {
		server.terminateLocal(conn.ClientID, reason)
		return
	}
	payload, _ := json.Marshal(terminateRequest{ClientID: conn.ClientID, Reason: reason})
	if err := server.fabric.Publish(leaderboard.TerminateChannel(conn.ServerID), payload); err != nil {
		server.log.Error("terminate publish failed", zap.Error(err))
	}
}

func (server *Server) terminateLocal(clientID, reason string) {
	server.mu.Lock()
	client := server.clients[clientID]
	server.mu.Unlock()
	if client == nil {
		return
	}
	client.send(msgqueue.High, encodeMessage(serverMessage{Type: "terminated", Message: reason}))
	// a preempted duplicate is a normal closure; policy violations are
	// reserved for rate limiting
	client.close(websocket.CloseNormalClosure, reason)
	mon.Counter("ws_terminated").Inc(1)
}

// subscribe moves a client to a view, bridging the view's pub/sub
// channels when it gains its first local subscriber.
func (server *Server) subscribe(ctx context.Context, cl *client, view leaderboard.Key) error {
	if !view.Mode.Valid() || !view.Timeframe.Valid() || view.Language == "" {
		return Error.New("invalid view %q", view)
	}

	server.mu.Lock()
	if previous := cl.view; previous != (leaderboard.Key{}) {
		if members, ok := server.index[previous]; ok {
			delete(members, cl)
			if len(members) == 0 {
				server.dropBridgeLocked(previous)
			}
		}
	}
	if server.index[view] == nil {
		server.index[view] = make(map[*client]bool)
	}
	server.index[view][cl] = true
	cl.view = view
	err := server.ensureBridgeLocked(view)
	server.mu.Unlock()
	if err != nil {
		return err
	}

	return server.registry.Subscribe(ctx, cl.id, view)
}

func (server *Server) ensureBridgeLocked(view leaderboard.Key) error {
	if _, ok := server.bridges[view]; ok {
		return nil
	}
	channels := []string{
		leaderboard.UpdatesChannel(view),
		leaderboard.BroadcastChannel(view),
	}
	// a timeframe `all` subscription also carries every concrete
	// timeframe of the same mode and language
	if view.Timeframe == leaderboard.TimeframeAll {
		for _, timeframe := range []leaderboard.Timeframe{
			leaderboard.TimeframeDaily, leaderboard.TimeframeWeekly, leaderboard.TimeframeMonthly,
		} {
			concrete := leaderboard.Key{Mode: view.Mode, Timeframe: timeframe, Language: view.Language}
			channels = append(channels,
				leaderboard.UpdatesChannel(concrete),
				leaderboard.BroadcastChannel(concrete),
			)
		}
	}
	sub, err := server.fabric.Subscribe(channels...)
	if err != nil {
		return Error.Wrap(err)
	}
	bridge := &viewBridge{sub: sub, done: make(chan struct{})}
	server.bridges[view] = bridge

	server.group.Add(1)
	go func() {
		defer server.group.Done()
		server.relay(view, bridge)
	}()
	return nil
}

func (server *Server) dropBridgeLocked(view leaderboard.Key) {
	if bridge, ok := server.bridges[view]; ok {
		delete(server.bridges, view)
		close(bridge.done)
		_ = bridge.sub.Close()
	}
}

// relay fans one view's channel messages out to local subscribers.
func (server *Server) relay(view leaderboard.Key, bridge *viewBridge) {
	for {
		select {
		case message, ok := <-bridge.sub.Messages():
			if !ok {
				return
			}
			payload := message.Payload
			if strings.HasPrefix(message.Channel, "leaderboard:broadcast:") {
				var envelope broadcastEnvelope
				if err := json.Unmarshal(message.Payload, &envelope); err != nil {
					continue
				}
				if envelope.ServerID == server.serverID {
					continue // self echo
				}
				payload = envelope.Payload
			}
			server.fanOut(view, channelKey(message.Channel, view), payload)
		case <-bridge.done:
			return
		}
	}
}

// channelKey derives the view a bridged message originated from, so a
// timeframe `all` bridge can stamp deltas with their concrete
// timeframe.
func channelKey(channel string, fallback leaderboard.Key) leaderboard.Key {
	for _, prefix := range []string{"leaderboard:updates:", "leaderboard:broadcast:"} {
		if strings.HasPrefix(channel, prefix) {
			if key, err := leaderboard.ParseKey(strings.TrimPrefix(channel, prefix)); err == nil {
				return key
			}
		}
	}
	return fallback
}

// fanOut delivers a delta to a view's subscribers, paced per client
// tier. The envelope carries the source view the delta was published
// under.
func (server *Server) fanOut(view, source leaderboard.Key, delta []byte) {
	frame := encodeMessage(serverMessage{
		Type:       "leaderboard_update",
		UpdateType: updateType(delta),
		Mode:       source.Mode,
		Timeframe:  source.Timeframe,
		Language:   source.Language,
		Data:       delta,
		Timestamp:  nowMillis(),
	})

	server.mu.Lock()
	targets := make([]*client, 0, len(server.index[view]))
	for cl := range server.index[view] {
		targets = append(targets, cl)
	}
	server.mu.Unlock()

	for _, cl := range targets {
		cl.sendUpdate(frame)
	}
	mon.Counter("ws_deltas_delivered").Inc(int64(len(targets)))
}

// updateType classifies a delta payload for the envelope.
func updateType(delta []byte) string {
	var parsed leaderboard.Delta
	if err := json.Unmarshal(delta, &parsed); err != nil {
		return "score_update"
	}
	rankChange := false
	for _, change := range parsed.Changes {
		switch change.ChangeType {
		case leaderboard.ChangeNew:
			return "new_entry"
		case leaderboard.ChangeImproved, leaderboard.ChangeDropped:
			rankChange = true
		}
	}
	if rankChange {
		return "rank_change"
	}
	return "score_update"
}

// Broadcast publishes a payload on a view's cross-server channel and
// delivers it locally.
func (server *Server) Broadcast(view leaderboard.Key, payload []byte) error {
	envelope, err := json.Marshal(broadcastEnvelope{ServerID: server.serverID, Payload: payload})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := server.fabric.Publish(leaderboard.BroadcastChannel(view), envelope); err != nil {
		return Error.Wrap(err)
	}
	server.fanOut(view, view, payload)
	if view.Timeframe != leaderboard.TimeframeAll {
		allView := leaderboard.Key{Mode: view.Mode, Timeframe: leaderboard.TimeframeAll, Language: view.Language}
		server.fanOut(allView, view, payload)
	}
	return nil
}

// PromoteUser upgrades a connected user's tier after a score
// submission so their updates are queued at high priority.
func (server *Server) PromoteUser(userID string) {
	server.mu.Lock()
	defer server.mu.Unlock()
	for _, client := range server.clients {
		if client.userID == userID {
			client.promote()
		}
	}
}

// ClientCount returns the number of local connections.
func (server *Server) ClientCount() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.clients)
}

// remove detaches a client from the server and the registry.
func (server *Server) remove(client *client) {
	server.mu.Lock()
	delete(server.clients, client.id)
	if members, ok := server.index[client.view]; ok {
		delete(members, client)
		if len(members) == 0 {
			server.dropBridgeLocked(client.view)
		}
	}
	server.mu.Unlock()

	server.limiter.Disconnect(client.ip)
	if err := server.registry.Deregister(context.Background(), client.id); err != nil {
		server.log.Debug("deregister failed", zap.Error(err))
	}
	mon.Counter("ws_disconnected").Inc(1)
}

// Close disconnects all clients and waits for their pumps.
func (server *Server) Close() error {
	server.mu.Lock()
	server.closed = true
	clients := make([]*client, 0, len(server.clients))
	for _, client := range server.clients {
		clients = append(clients, client)
	}
	for view := range server.bridges {
		server.dropBridgeLocked(view)
	}
	server.mu.Unlock()

	for _, client := range clients {
		client.close(websocket.CloseGoingAway, "server shutting down")
	}
	server.group.Wait()
	return nil
}

// clientIP extracts the originating address, honoring the proxy
// header when present.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
