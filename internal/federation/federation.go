// Package federation replicates pattern mutations across cooperating
// nodes through a shared NATS bus.
//
// Every accepted local mutation is published to the sync subject and
// mirrored into a JetStream key-value bucket that acts as the shared
// authoritative snapshot; reconciliation replays that snapshot through the
// store's version-gated upsert, so it is idempotent and safe to abort.
// The bus is an optimization, not a dependency: a node that cannot reach
// the broker keeps serving local operations and simply stops replicating.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/patternmesh/patternd/internal/domain"
	"go.uber.org/zap"
)

// State is the node's connection state. Outbound publishes are attempted
// only in StateSynced; local operations are served in every state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSynced       State = "synced"
)

const (
	publishAttempts   = 3
	publishBackoff    = 100 * time.Millisecond
	flushTimeout      = 2 * time.Second
	reconnectWait     = 2 * time.Second
	missedHeartbeats  = 3
	defaultHeartbeat  = 30 * time.Second
	snapshotKVHistory = 1
)

// ErrBrokerUnavailable is returned when an operation needs the bus and the
// bus is not there. Local operations never surface it.
var ErrBrokerUnavailable = errors.New("federation broker unavailable")

// Config carries the knobs for one node's federation service.
type Config struct {
	URL               string
	NodeID            string
	Prefix            string // subject and bucket prefix, e.g. "patterns"
	HeartbeatInterval time.Duration
}

// Service connects one node to the federation bus. It implements
// domain.Publisher for outbound mutations and runs the inbound listener
// and discovery heartbeat in the background.
type Service struct {
	cfg    Config
	store  domain.PatternStore
	hub    domain.Broadcaster
	logger *zap.Logger

	nc *nats.Conn
	js nats.JetStreamContext

	kvMu sync.Mutex
	kv   nats.KeyValue

	state atomic.Value // State

	peersMu sync.RWMutex
	peers   map[string]time.Time

	subs []*nats.Subscription

	publishFailures atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates the federation service. Call Start to connect.
func New(cfg Config, st domain.PatternStore, hub domain.Broadcaster, logger *zap.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "patterns"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	s := &Service{
		cfg:    cfg,
		store:  st,
		hub:    hub,
		logger: logger,
		peers:  make(map[string]time.Time),
		done:   make(chan struct{}),
	}
	s.state.Store(StateDisconnected)
	return s
}

// SyncSubject is the federation channel carrying per-mutation messages.
func (s *Service) SyncSubject() string {
	return s.cfg.Prefix + ".sync"
}

// DiscoverySubject is the channel carrying node presence heartbeats.
func (s *Service) DiscoverySubject() string {
	return s.cfg.Prefix + ".discovery"
}

// SnapshotBucket is the JetStream KV bucket holding the shared snapshot.
func (s *Service) SnapshotBucket() string {
	return s.cfg.Prefix + "-snapshot"
}

// Start connects to the broker, subscribes the inbound listener and
// discovery channel, and starts the heartbeat loop. The connection keeps
// retrying in the background, so a broker that is down at start only
// delays replication, never local service.
func (s *Service) Start(ctx context.Context) error {
	s.state.Store(StateConnecting)

	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("patternd-"+s.cfg.NodeID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ConnectHandler(func(*nats.Conn) {
			s.state.Store(StateSynced)
			s.logger.Info("federation bus connected", zap.String("url", s.cfg.URL))
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			s.state.Store(StateSynced)
			s.logger.Info("federation bus reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.state.Store(StateDisconnected)
			s.logger.Warn("federation bus disconnected, serving local-only", zap.Error(err))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.state.Store(StateDisconnected)
		}),
	)
	if err != nil {
		s.state.Store(StateDisconnected)
		return err
	}
	s.nc = nc
	if nc.IsConnected() {
		s.state.Store(StateSynced)
	}

	js, err := nc.JetStream()
	if err != nil {
		s.logger.Warn("jetstream unavailable, snapshot reconcile disabled", zap.Error(err))
	} else {
		s.js = js
	}

	sub, err := nc.Subscribe(s.SyncSubject(), s.handleSync)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = nc.Subscribe(s.DiscoverySubject(), s.handleDiscovery)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	// Subscriptions must be registered server-side before Start returns,
	// or a peer's publish in the gap is lost until the next Sync.
	if err := nc.Flush(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	return nil
}

// Stop drains the connection and stops background work.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	s.state.Store(StateDisconnected)
}

// State returns the current connection state.
func (s *Service) State() State {
	return s.state.Load().(State)
}

// PublishPattern publishes an accepted local pattern mutation.
// Fire-and-forget: retries with backoff off the caller's goroutine and
// absorbs sustained failure.
func (s *Service) PublishPattern(p *domain.Pattern) {
	s.publish(Message{
		ID:         p.ID,
		Version:    p.Version,
		SourceNode: p.SourceNode,
		Origin:     s.cfg.NodeID,
		Pattern:    p.Clone(),
		SentAt:     time.Now().UTC(),
	})
}

// PublishTombstone publishes a deletion marker.
func (s *Service) PublishTombstone(id string, version int64) {
	s.publish(Message{
		ID:        id,
		Version:   version,
		Origin:    s.cfg.NodeID,
		Tombstone: true,
		SentAt:    time.Now().UTC(),
	})
}

func (s *Service) publish(msg Message) {
	if s.State() != StateSynced || s.nc == nil {
		s.logger.Debug("not synced, skipping publish", zap.String("pattern_id", msg.ID))
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal federation message", zap.Error(err))
		return
	}

	go func() {
		var err error
		for attempt := 0; attempt < publishAttempts; attempt++ {
			if attempt > 0 {
				time.Sleep(publishBackoff << (attempt - 1))
			}
			if err = s.nc.Publish(s.SyncSubject(), data); err != nil {
				continue
			}
			if err = s.nc.FlushTimeout(flushTimeout); err == nil {
				break
			}
		}
		if err != nil {
			s.publishFailures.Add(1)
			s.logger.Warn("federation publish failed",
				zap.String("pattern_id", msg.ID),
				zap.Error(err))
			return
		}
		s.snapshotPut(msg.ID, data)
	}()
}

// snapshotPut mirrors the mutation into the shared KV snapshot so late
// joiners can reconcile. Best-effort.
func (s *Service) snapshotPut(id string, data []byte) {
	kv, err := s.keyValue()
	if err != nil {
		s.logger.Debug("snapshot unavailable", zap.Error(err))
		return
	}
	if _, err := kv.Put(id, data); err != nil {
		s.logger.Warn("snapshot write failed", zap.String("pattern_id", id), zap.Error(err))
	}
}

// keyValue lazily binds the snapshot bucket, creating it on first use.
func (s *Service) keyValue() (nats.KeyValue, error) {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()

	if s.kv != nil {
		return s.kv, nil
	}
	if s.js == nil {
		return nil, ErrBrokerUnavailable
	}

	kv, err := s.js.KeyValue(s.SnapshotBucket())
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  s.SnapshotBucket(),
			History: snapshotKVHistory,
		})
	}
	if err != nil {
		return nil, err
	}
	s.kv = kv
	return kv, nil
}

// Sync pulls the shared snapshot and applies every entry through the
// version-gated store, returning how many entries changed local state.
// Idempotent and safe to abort: a partial run can simply be retried.
func (s *Service) Sync(ctx context.Context) (int, error) {
	kv, err := s.keyValue()
	if err != nil {
		return 0, ErrBrokerUnavailable
	}

	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		entry, err := kv.Get(key)
		if err != nil {
			s.logger.Warn("snapshot read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if s.apply(entry.Value()) {
			applied++
		}
	}

	s.logger.Info("reconciled with shared snapshot",
		zap.Int("entries", len(keys)),
		zap.Int("applied", applied))
	return applied, nil
}

// handleSync consumes one federation message. Malformed payloads are
// dropped and logged; the listener never dies on bad input.
func (s *Service) handleSync(m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		s.logger.Warn("dropping malformed federation message", zap.Error(err))
		return
	}
	if msg.Origin == s.cfg.NodeID {
		return // own publish echoed back
	}
	s.applyMessage(msg)
}

// apply deserializes and applies one snapshot entry.
func (s *Service) apply(data []byte) bool {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping malformed snapshot entry", zap.Error(err))
		return false
	}
	return s.applyMessage(msg)
}

// applyMessage funnels a remote mutation through the store. Mirrors are
// inbound-only: applying never republishes, which is what keeps mutation
// echoes from looping around the bus.
func (s *Service) applyMessage(msg Message) bool {
	if msg.ID == "" {
		s.logger.Warn("dropping federation message without id")
		return false
	}

	if msg.Tombstone {
		if s.store.ApplyTombstone(msg.ID, msg.Version) {
			s.hub.Broadcast(domain.Event{
				Type:      domain.EventPatternDeleted,
				PatternID: msg.ID,
				Node:      msg.Origin,
				Timestamp: time.Now().UTC(),
			})
			return true
		}
		return false
	}

	if msg.Pattern == nil {
		s.logger.Warn("dropping federation message without payload", zap.String("pattern_id", msg.ID))
		return false
	}

	applied, err := s.store.Upsert(msg.Pattern)
	if err != nil {
		s.logger.Warn("rejected federation message",
			zap.String("pattern_id", msg.ID),
			zap.Error(err))
		return false
	}
	if applied {
		s.hub.Broadcast(domain.Event{
			Type:      domain.EventPatternUpdated,
			PatternID: msg.ID,
			Pattern:   msg.Pattern,
			Node:      msg.Origin,
			Timestamp: time.Now().UTC(),
		})
	}
	return applied
}

// handleDiscovery records peer presence.
func (s *Service) handleDiscovery(m *nats.Msg) {
	var hb Heartbeat
	if err := json.Unmarshal(m.Data, &hb); err != nil {
		s.logger.Warn("dropping malformed heartbeat", zap.Error(err))
		return
	}
	if hb.NodeID == "" || hb.NodeID == s.cfg.NodeID {
		return
	}
	s.peersMu.Lock()
	s.peers[hb.NodeID] = time.Now()
	s.peersMu.Unlock()
}

// heartbeatLoop announces this node on the discovery channel and expires
// peers that stop announcing themselves.
func (s *Service) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.announce()
			s.prunePeers()
		}
	}
}

func (s *Service) announce() {
	if s.State() != StateSynced {
		return
	}
	data, err := json.Marshal(Heartbeat{
		NodeID:   s.cfg.NodeID,
		Patterns: s.store.Count(),
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.nc.Publish(s.DiscoverySubject(), data); err != nil {
		s.logger.Debug("heartbeat publish failed", zap.Error(err))
	}
}

func (s *Service) prunePeers() {
	cutoff := time.Now().Add(-time.Duration(missedHeartbeats) * s.cfg.HeartbeatInterval)
	s.peersMu.Lock()
	for node, seen := range s.peers {
		if seen.Before(cutoff) {
			delete(s.peers, node)
		}
	}
	s.peersMu.Unlock()
}

// PeerStatus is one known peer with its last heartbeat time.
type PeerStatus struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Status is the externally visible federation state.
type Status struct {
	NodeID           string       `json:"node_id"`
	State            State        `json:"state"`
	Connected        bool         `json:"connected"`
	SyncSubject      string       `json:"sync_subject"`
	DiscoverySubject string       `json:"discovery_subject"`
	SnapshotBucket   string       `json:"snapshot_bucket"`
	Peers            []PeerStatus `json:"peers"`
	LocalPatterns    int          `json:"local_patterns"`
	MirroredPatterns int          `json:"mirrored_patterns"`
	PublishFailures  int64        `json:"publish_failures"`
}

// Status reports connectivity, channel names and pattern counts.
func (s *Service) Status() *Status {
	local, mirrored := s.store.CountBySource(s.cfg.NodeID)

	s.peersMu.RLock()
	peers := make([]PeerStatus, 0, len(s.peers))
	for node, seen := range s.peers {
		peers = append(peers, PeerStatus{NodeID: node, LastSeen: seen})
	}
	s.peersMu.RUnlock()

	return &Status{
		NodeID:           s.cfg.NodeID,
		State:            s.State(),
		Connected:        s.nc != nil && s.nc.IsConnected(),
		SyncSubject:      s.SyncSubject(),
		DiscoverySubject: s.DiscoverySubject(),
		SnapshotBucket:   s.SnapshotBucket(),
		Peers:            peers,
		LocalPatterns:    local,
		MirroredPatterns: mirrored,
		PublishFailures:  s.publishFailures.Load(),
	}
}
