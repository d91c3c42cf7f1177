// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/realtime/msgqueue"
)

// client is a single websocket connection with its outbound queue.
type client struct {
	server   *Server
	conn     *websocket.Conn
	ip       string
	id       string
	userID   string
	username string

	queue  *msgqueue.Queue
	notify chan struct{}

	// guarded by server.mu
	view leaderboard.Key

	tierMu   sync.Mutex
	tierName string

	// last-value coalescing of paced leaderboard updates
	updateMu   sync.Mutex
	pending    []byte
	lastUpdate time.Time

	closedCh chan struct{}
	once     sync.Once
}

func newClient(server *Server, conn *websocket.Conn, ip, userID, username string) *client {
	tier := TierObserver
	if userID != "" {
		tier = TierPassive
	}
	return &client{
		server:   server,
		conn:     conn,
		ip:       ip,
		id:       keyid.NewClient(),
		userID:   userID,
		username: username,
		queue:    msgqueue.New(server.config.Queue),
		notify:   make(chan struct{}, 1),
		tierName: tier,
		closedCh: make(chan struct{}),
	}
}

func (client *client) tier() string {
	client.tierMu.Lock()
	defer client.tierMu.Unlock()
	return client.tierName
}

func (client *client) promote() {
	client.tierMu.Lock()
	client.tierName = TierActive
	client.tierMu.Unlock()
}

// updatePriority maps the client tier to the queueing priority of
// leaderboard updates.
func (client *client) updatePriority() msgqueue.Priority {
	switch client.tier() {
	case TierActive:
		return msgqueue.High
	case TierPassive:
		return msgqueue.Medium
	}
	return msgqueue.Low
}

// tierInterval is the minimum delivery interval between leaderboard
// updates for the client's tier.
func (client *client) tierInterval() time.Duration {
	switch client.tier() {
	case TierActive:
		return client.server.config.TierActiveInterval
	case TierPassive:
		return client.server.config.TierPassiveInterval
	}
	return client.server.config.TierObserverInterval
}

// sendUpdate paces leaderboard updates to the tier interval. Updates
// arriving inside the interval coalesce to the newest one, which the
// write pump releases once the interval has elapsed.
func (client *client) sendUpdate(frame []byte) {
	client.updateMu.Lock()
	if time.Since(client.lastUpdate) < client.tierInterval() {
		client.pending = frame
		client.updateMu.Unlock()
		return
	}
	client.lastUpdate = time.Now()
	client.pending = nil
	client.updateMu.Unlock()

	client.send(client.updatePriority(), frame)
}

// flushPending releases a coalesced update whose tier interval has
// elapsed.
func (client *client) flushPending() {
	client.updateMu.Lock()
	if client.pending == nil || time.Since(client.lastUpdate) < client.tierInterval() {
		client.updateMu.Unlock()
		return
	}
	frame := client.pending
	client.pending = nil
	client.lastUpdate = time.Now()
	client.updateMu.Unlock()

	client.send(client.updatePriority(), frame)
}

// send enqueues an outbound frame and wakes the write pump.
func (client *client) send(priority msgqueue.Priority, payload []byte) {
	if !client.queue.Push(priority, payload) {
		return
	}
	select {
	case client.notify <- struct{}{}:
	default:
	}
}

// close shuts the connection down once. The read pump observes the
// closed connection and runs the cleanup.
func (client *client) close(code int, reason string) {
	client.once.Do(func() {
		_ = client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		close(client.closedCh)
		_ = client.conn.Close()
	})
}

// readPump consumes inbound frames until the connection dies, then
// detaches the client.
func (client *client) readPump() {
	defer func() {
		client.close(websocket.CloseNormalClosure, "")
		client.server.remove(client)
	}()

	client.conn.SetReadLimit(client.server.config.MaxMessageSize.Int64())
	_ = client.conn.SetReadDeadline(time.Now().Add(client.server.config.HeartbeatTimeout))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(client.server.config.HeartbeatTimeout))
		if err := client.server.registry.Touch(context.Background(), client.id); err != nil {
			client.server.log.Debug("heartbeat touch failed", zap.Error(err))
		}
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if err == websocket.ErrReadLimit {
				mon.Counter("ws_oversized_frames").Inc(1)
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(client.server.config.HeartbeatTimeout))
		client.handle(data)
	}
}

func (client *client) handle(data []byte) {
	var message clientMessage
	if err := json.Unmarshal(data, &message); err != nil {
		client.send(msgqueue.Low, encodeMessage(serverMessage{
			Type: "error", Message: "malformed message",
		}))
		return
	}

	switch message.Type {
	case "subscribe":
		view := leaderboard.Key{Mode: message.Mode, Timeframe: message.Timeframe, Language: message.Language}
		if err := client.server.subscribe(context.Background(), client, view); err != nil {
			client.send(msgqueue.Low, encodeMessage(serverMessage{
				Type: "error", Message: "invalid subscription",
			}))
			return
		}
		client.send(msgqueue.High, encodeMessage(serverMessage{
			Type:      "subscribed",
			Mode:      view.Mode,
			Timeframe: view.Timeframe,
			Language:  view.Language,
		}))
		client.sendSnapshot(view)
	case "ping":
		client.send(msgqueue.High, encodeMessage(serverMessage{Type: "pong", Timestamp: nowMillis()}))
	default:
		client.send(msgqueue.Low, encodeMessage(serverMessage{
			Type: "error", Message: "unknown message type",
		}))
	}
}

// sendSnapshot delivers the current Top-N so a fresh subscriber has a
// base state to apply deltas to.
func (client *client) sendSnapshot(view leaderboard.Key) {
	snapshot, err := client.server.snapshots.GetTopN(context.Background(), view)
	if err != nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	client.send(msgqueue.High, encodeMessage(serverMessage{
		Type:      "snapshot",
		Mode:      view.Mode,
		Timeframe: view.Timeframe,
		Language:  view.Language,
		Data:      data,
	}))
}

// writePump drains the outbound queue in bursts and keeps the
// heartbeat going.
func (client *client) writePump() {
	drain := time.NewTicker(client.server.config.Queue.DrainInterval)
	heartbeat := time.NewTicker(client.server.config.HeartbeatInterval)
	defer drain.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-client.notify:
			if !client.flush() {
				return
			}
		case <-drain.C:
			client.flushPending()
			if !client.flush() {
				return
			}
		case <-heartbeat.C:
			err := client.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(client.server.config.WriteTimeout))
			if err != nil {
				client.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-client.closedCh:
			return
		}
	}
}

func (client *client) flush() bool {
	if client.queue.Backpressured() {
		if shed := client.queue.Shed(); shed > 0 {
			mon.Counter("ws_backpressure_shed").Inc(int64(shed))
		}
	}
	for _, message := range client.queue.PopBatch(client.server.config.Queue.DrainBurst) {
		_ = client.conn.SetWriteDeadline(time.Now().Add(client.server.config.WriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, message.Payload); err != nil {
			client.close(websocket.CloseAbnormalClosure, "write failed")
			return false
		}
	}
	return true
}
