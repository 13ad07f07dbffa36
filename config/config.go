// Package config implements a sparse, scoped name→value settings
// registry: options are recognized by name, typed, and settable at one
// of three scopes (global, listen-socket, connection). A narrower scope
// overrides a broader one; reads fall back outward.
package config

import (
	"fmt"
	"sync"
	"time"
)

// Scope identifies which layer of the registry a value lives at.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeListenSocket
	ScopeConnection
)

// Name is a recognized option name.
type Name string

const (
	TimeoutInitial                   Name = "Timeout_Initial"
	TimeoutConnected                 Name = "Timeout_Connected"
	SendBufferSize                   Name = "SendBufferSize"
	SendRateMin                      Name = "SendRateMin"
	SendRateMax                      Name = "SendRateMax"
	NagleTime                        Name = "NagleTime"
	LogLevelP2PRendezvous            Name = "LogLevel_P2PRendezvous"
	IPAllowWithoutAuth               Name = "IP_AllowWithoutAuth"
	P2PSTUNServerList                Name = "P2P_STUN_ServerList"
	SymmetricConnect                 Name = "SymmetricConnect"
	LocalVirtualPort                 Name = "LocalVirtualPort"
	CallbackConnectionStatusChanged  Name = "Callback_ConnectionStatusChanged"
)

// defaults holds the built-in value for every recognized option.
var defaults = map[Name]any{
	TimeoutInitial:        10 * time.Second,
	TimeoutConnected:      10 * time.Second,
	SendBufferSize:        512 * 1024,
	SendRateMin:           128 * 1024 / 8,
	SendRateMax:           1_000_000 / 8,
	NagleTime:             5 * time.Millisecond,
	LogLevelP2PRendezvous: 0,
	IPAllowWithoutAuth:    false,
	P2PSTUNServerList:     "",
	SymmetricConnect:      false,
	LocalVirtualPort:      0,
}

// StatusChangeFunc is the callback signature for
// Callback_ConnectionStatusChanged.
type StatusChangeFunc func(connID uint32, oldState, newState int, reasonCode uint32, debug string)

// Store is a three-scope settings registry. The zero value is not usable;
// use New.
type Store struct {
	mu     sync.RWMutex
	global map[Name]any
	listen map[Name]any
	conn   map[Name]any
}

// New creates a registry pre-populated with defaults at global scope.
func New() *Store {
	g := make(map[Name]any, len(defaults))
	for k, v := range defaults {
		g[k] = v
	}
	return &Store{global: g, listen: map[Name]any{}, conn: map[Name]any{}}
}

// Derive creates a child store for a new scope layer (listen-socket or
// connection) that falls back to the parent for unset names.
func (s *Store) Derive(scope Scope) *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	child := &Store{global: s.global, listen: map[Name]any{}, conn: map[Name]any{}}
	if scope == ScopeConnection {
		// Copy listen-scope overrides down so connection-scope lookups see them.
		for k, v := range s.listen {
			child.listen[k] = v
		}
	}
	return child
}

// Set stores a value at the given scope.
func (s *Store) Set(scope Scope, name Name, value any) error {
	if _, known := defaults[name]; !known {
		return fmt.Errorf("config: unrecognized option %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case ScopeGlobal:
		s.global[name] = value
	case ScopeListenSocket:
		s.listen[name] = value
	case ScopeConnection:
		s.conn[name] = value
	default:
		return fmt.Errorf("config: unknown scope %d", scope)
	}
	return nil
}

// Get resolves a value, preferring connection scope, then listen-socket,
// then global, falling back to the built-in default.
func (s *Store) Get(name Name) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.conn[name]; ok {
		return v
	}
	if v, ok := s.listen[name]; ok {
		return v
	}
	if v, ok := s.global[name]; ok {
		return v
	}
	return defaults[name]
}

func (s *Store) Duration(name Name) time.Duration {
	v := s.Get(name)
	d, _ := v.(time.Duration)
	return d
}

func (s *Store) Int(name Name) int {
	v := s.Get(name)
	i, _ := v.(int)
	return i
}

func (s *Store) Bool(name Name) bool {
	v := s.Get(name)
	b, _ := v.(bool)
	return b
}

func (s *Store) String(name Name) string {
	v := s.Get(name)
	str, _ := v.(string)
	return str
}

// StatusChangeCallback returns the configured callback, or nil.
func (s *Store) StatusChangeCallback() StatusChangeFunc {
	v := s.Get(CallbackConnectionStatusChanged)
	f, _ := v.(StatusChangeFunc)
	return f
}
