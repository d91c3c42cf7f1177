// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"
	"sync"
	"time"

	"keystorm.io/keystorm/pkg/leaderboard"
)

// Memory implements Registry in-process for single-instance fallback
// mode and tests.
type Memory struct {
	config Config

	mu       sync.Mutex
	conns    map[string]Connection
	byUser   map[string]string
	byServer map[string]map[string]bool
	subs     map[leaderboard.Key]map[string]bool
	lastSeen map[string]time.Time
}

// NewMemory creates an in-process registry.
func NewMemory(config Config) *Memory {
	return &Memory{
		config:   config,
		conns:    make(map[string]Connection),
		byUser:   make(map[string]string),
		byServer: make(map[string]map[string]bool),
		subs:     make(map[leaderboard.Key]map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

// Register implements Registry.
func (registry *Memory) Register(ctx context.Context, conn Connection) (previous *Connection, err error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if conn.UserID != "" {
		if oldClientID, ok := registry.byUser[conn.UserID]; ok && oldClientID != conn.ClientID {
			if old, ok := registry.conns[oldClientID]; ok {
				oldCopy := old
				previous = &oldCopy
			}
		}
		registry.byUser[conn.UserID] = conn.ClientID
		registry.lastSeen[conn.UserID] = time.Now()
	}

	registry.conns[conn.ClientID] = conn
	if registry.byServer[conn.ServerID] == nil {
		registry.byServer[conn.ServerID] = make(map[string]bool)
	}
	registry.byServer[conn.ServerID][conn.ClientID] = true
	return previous, nil
}

// Deregister implements Registry.
func (registry *Memory) Deregister(ctx context.Context, clientID string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	conn, ok := registry.conns[clientID]
	if !ok {
		return nil
	}
	delete(registry.conns, clientID)
	delete(registry.byServer[conn.ServerID], clientID)
	if members, ok := registry.subs[conn.View]; ok {
		delete(members, clientID)
	}
	if conn.UserID != "" && registry.byUser[conn.UserID] == clientID {
		delete(registry.byUser, conn.UserID)
	}
	return nil
}

// Lookup implements Registry.
func (registry *Memory) Lookup(ctx context.Context, clientID string) (*Connection, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	conn, ok := registry.conns[clientID]
	if !ok {
		return nil, ErrNotFound.New("client %q", clientID)
	}
	copied := conn
	return &copied, nil
}

// Subscribe implements Registry.
func (registry *Memory) Subscribe(ctx context.Context, clientID string, view leaderboard.Key) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	conn, ok := registry.conns[clientID]
	if !ok {
		return ErrNotFound.New("client %q", clientID)
	}
	if members, ok := registry.subs[conn.View]; ok {
		delete(members, clientID)
	}
	if registry.subs[view] == nil {
		registry.subs[view] = make(map[string]bool)
	}
	registry.subs[view][clientID] = true
	conn.View = view
	registry.conns[clientID] = conn
	return nil
}

// Subscribers implements Registry.
func (registry *Memory) Subscribers(ctx context.Context, view leaderboard.Key) ([]string, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var clients []string
	for clientID := range registry.subs[view] {
		clients = append(clients, clientID)
	}
	return clients, nil
}

// Touch implements Registry.
func (registry *Memory) Touch(ctx context.Context, clientID string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	conn, ok := registry.conns[clientID]
	if !ok {
		return ErrNotFound.New("client %q", clientID)
	}
	if conn.UserID != "" {
		registry.lastSeen[conn.UserID] = time.Now()
	}
	return nil
}

// CleanupServer implements Registry.
func (registry *Memory) CleanupServer(ctx context.Context, serverID string) error {
	registry.mu.Lock()
	clients := make([]string, 0, len(registry.byServer[serverID]))
	for clientID := range registry.byServer[serverID] {
		clients = append(clients, clientID)
	}
	registry.mu.Unlock()

	for _, clientID := range clients {
		if err := registry.Deregister(ctx, clientID); err != nil {
			return err
		}
	}
	return nil
}

// ActiveUsers implements Registry.
func (registry *Memory) ActiveUsers(ctx context.Context) (int64, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	cutoff := time.Now().Add(-registry.config.ActiveWindow)
	var count int64
	for userID, seen := range registry.lastSeen {
		if seen.Before(cutoff) {
			delete(registry.lastSeen, userID)
			continue
		}
		count++
	}
	return count, nil
}
