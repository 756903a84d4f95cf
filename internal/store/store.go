// Package store persists the broker's set of known connectors and their
// approval state.
//
// A connector first appears as PENDING when it connects without a valid
// token. An admin approves it, which mints an api key; the connector then
// reconnects with that key and is admitted. Revocation keeps the record and
// its key resolvable so the transport can tell a revoked key (reject) from
// an unknown one (new approval flow), but the key no longer validates.
//
// The store persists to a single connectors.yaml and keeps two in-memory
// indexes: by connector id and by api key. Both are updated atomically under
// one mutex. Save failures are logged and never fail the mutation — the next
// successful save reconciles the file.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is a connector's position in the approval lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
)

// Connector is one persistent connector record. APIKey is empty exactly
// while the record is pending; a revoked record keeps its key so presenting
// it again can be recognized and rejected.
type Connector struct {
	ConnectorID   string     `yaml:"connector_id" json:"connector_id"`
	APIKey        string     `yaml:"api_key,omitempty" json:"-"`
	Name          string     `yaml:"name,omitempty" json:"name,omitempty"`
	Models        []string   `yaml:"models" json:"models"`
	Status        Status     `yaml:"status" json:"status"`
	CreatedAt     time.Time  `yaml:"created_at" json:"created_at"`
	LastConnected *time.Time `yaml:"last_connected,omitempty" json:"last_connected,omitempty"`
	LastUsed      *time.Time `yaml:"last_used,omitempty" json:"last_used,omitempty"`
}

// Store manages connector records with yaml persistence. Thread-safe —
// the transport server validates keys and updates timestamps from socket
// handler goroutines while admin actions mutate records.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*Connector
	byAPIKey map[string]*Connector
	order    []string // connector ids in creation order, for stable listing
	path     string   // empty = memory-only (tests)
}

// storeFile is the yaml envelope for connectors.yaml.
type storeFile struct {
	Connectors []*Connector `yaml:"connectors"`
}

// Open loads the connector store from the given yaml file. An absent file
// yields an empty store, not an error. An empty path gives a memory-only
// store that never persists.
func Open(path string) (*Store, error) {
	s := &Store{
		byID:     make(map[string]*Connector),
		byAPIKey: make(map[string]*Connector),
		path:     path,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no connectors file, starting empty", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("reading connector store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing connector store %s: %w", path, err)
	}
	for _, c := range file.Connectors {
		if c == nil || c.ConnectorID == "" {
			continue
		}
		s.byID[c.ConnectorID] = c
		s.order = append(s.order, c.ConnectorID)
		// Revoked keys stay in the index so they can be rejected by name.
		if c.APIKey != "" {
			s.byAPIKey[c.APIKey] = c
		}
	}

	slog.Info("connector store loaded", "connectors", len(s.byID), "path", path)
	return s, nil
}

// save writes the current record set to disk. Called with s.mu held.
// Write failures are logged and swallowed — the in-memory state is
// authoritative and the next save reconciles the file.
func (s *Store) save() {
	if s.path == "" {
		return
	}

	file := storeFile{Connectors: make([]*Connector, 0, len(s.order))}
	for _, id := range s.order {
		file.Connectors = append(file.Connectors, s.byID[id])
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		slog.Error("marshaling connector store failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		slog.Error("creating connector store directory failed", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		slog.Error("writing connector store failed", "path", s.path, "error", err)
	}
}

// CreatePending allocates a fresh pending connector record with no api key.
// Called by the transport server when an unknown connector connects.
func (s *Store) CreatePending(models []string, name string) *Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c := &Connector{
		ConnectorID:   NewConnectorID(),
		Name:          name,
		Models:        append([]string(nil), models...),
		Status:        StatusPending,
		CreatedAt:     now,
		LastConnected: &now,
	}
	s.byID[c.ConnectorID] = c
	s.order = append(s.order, c.ConnectorID)
	s.save()

	slog.Info("created pending connector", "connector_id", c.ConnectorID, "name", name, "models", models)
	return c
}

// Approve transitions a pending connector to approved and mints its api
// key. Returns the key, or empty string if the connector doesn't exist or
// isn't pending.
func (s *Store) Approve(connectorID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return ""
	}
	if c.Status != StatusPending {
		slog.Warn("approve on non-pending connector", "connector_id", connectorID, "status", c.Status)
		return ""
	}

	c.APIKey = NewAPIKey()
	c.Status = StatusApproved
	s.byAPIKey[c.APIKey] = c
	s.save()

	slog.Info("approved connector", "connector_id", connectorID)
	return c.APIKey
}

// Revoke marks the record revoked. Valid from pending or approved. The
// record and its key remain: the admin keeps the revocation history, and
// the transport can distinguish a revoked key from an unknown one.
func (s *Store) Revoke(connectorID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false
	}
	c.Status = StatusRevoked
	s.save()

	slog.Info("revoked connector", "connector_id", connectorID, "reason", reason)
	return true
}

// Delete removes a connector record entirely.
func (s *Store) Delete(connectorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false
	}
	if c.APIKey != "" {
		delete(s.byAPIKey, c.APIKey)
	}
	delete(s.byID, connectorID)
	for i, id := range s.order {
		if id == connectorID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.save()

	slog.Info("deleted connector", "connector_id", connectorID)
	return true
}

// Validate returns a copy of the record matching the api key, but only if
// that record is approved. Revoked and pending keys resolve to nothing.
func (s *Store) Validate(apiKey string) (Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byAPIKey[apiKey]
	if !ok || c.Status != StatusApproved {
		return Connector{}, false
	}
	return *c, true
}

// KeyRevoked reports whether the api key belongs to a revoked record. Keys
// that never existed (or whose record was deleted) are not revoked — they
// are unknown, and the transport routes them into the approval flow.
func (s *Store) KeyRevoked(apiKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byAPIKey[apiKey]
	return ok && c.Status == StatusRevoked
}

// Get returns a copy of the record with the given connector id.
func (s *Store) Get(connectorID string) (Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return Connector{}, false
	}
	return *c, true
}

// List returns copies of all records in creation order.
func (s *Store) List() []Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Connector, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// ListByStatus returns copies of all records with the given status,
// sorted by connector id for stable display.
func (s *Store) ListByStatus(status Status) []Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Connector
	for _, id := range s.order {
		if c := s.byID[id]; c.Status == status {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

// UpdateModels replaces the advertised model list of a connector. Called
// when an approved connector reconnects advertising a changed set.
func (s *Store) UpdateModels(connectorID string, models []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false
	}
	c.Models = append([]string(nil), models...)
	s.save()
	return true
}

// TouchConnected stamps last_connected on the record.
func (s *Store) TouchConnected(connectorID string) {
	s.touch(connectorID, func(c *Connector, t time.Time) { c.LastConnected = &t })
}

// TouchUsed stamps last_used on the record. Called per relayed request.
func (s *Store) TouchUsed(connectorID string) {
	s.touch(connectorID, func(c *Connector, t time.Time) { c.LastUsed = &t })
}

func (s *Store) touch(connectorID string, set func(*Connector, time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return
	}
	set(c, time.Now().UTC())
	s.save()
}

// NewAPIKey mints a connector api key: "ck-" + 32 lowercase hex characters,
// 128 bits of crypto randomness.
func NewAPIKey() string {
	return "ck-" + randomHex(16)
}

// NewUserKey mints a user api key: "sk-" + 32 lowercase hex characters.
// The broker CLI uses this when generating keys for end users.
func NewUserKey() string {
	return "sk-" + randomHex(16)
}

// NewConnectorID mints a connector id: "conn-" + 8 lowercase hex characters.
func NewConnectorID() string {
	return "conn-" + randomHex(4)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// key generation cannot proceed without it.
		panic(fmt.Sprintf("store: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
