package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
)

// Registry is the authoritative state of the indexing server: registered
// peers, topics with their host and subscribers, and per-topic message logs.
//
// Every exported method holds mu for its whole duration, so operations are
// atomic with respect to each other no matter how many connections call in.
type Registry struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	topics  map[string]*topic
	nextSeq uint64
	clock   clock.Clock

	// Persistence of the peer table; nil store = in-memory only.
	store    *peerStore
	saveCh   chan struct{}
	saveDone chan struct{}
	done     chan struct{}
	closed   bool
}

// Peer is a registered peer and the address it advertised.
type Peer struct {
	ID           string
	IP           string
	Port         int
	RegisteredAt time.Time
	// Seq orders peers by registration; lower registered earlier.
	Seq uint64
}

// Addr returns the wire form of the peer's address.
func (p Peer) Addr() protocol.PeerAddr {
	return protocol.PeerAddr{ID: p.ID, IP: p.IP, Port: p.Port}
}

type topic struct {
	name        string
	host        string
	subscribers map[string]struct{}
	log         []protocol.Message
	createdAt   time.Time
	seq         uint64
}

// TopicInfo is a read-only view of a topic.
type TopicInfo struct {
	Name        string
	Host        string
	Subscribers []string
	Messages    int
	CreatedAt   time.Time
}

// Removal reports what happened to the departing peer's topics during
// UnregisterPeer.
type Removal struct {
	// Reassigned maps topic name to its new host.
	Reassigned map[string]string
	// Deleted lists topics dropped because no other peer could host them.
	Deleted []string
}

// New returns an in-memory registry.
func New() *Registry {
	return NewWithStore("")
}

// NewWithStore returns a registry that persists its peer table to
// storePath and reloads it from there. An empty path disables persistence.
func NewWithStore(storePath string) *Registry {
	r := &Registry{
		peers:  make(map[string]*Peer),
		topics: make(map[string]*topic),
		clock:  clock.New(),
		done:   make(chan struct{}),
	}
	if storePath == "" {
		return r
	}

	r.store = &peerStore{path: storePath}
	r.saveCh = make(chan struct{}, 1)
	r.saveDone = make(chan struct{})

	if err := r.load(); err != nil {
		slog.Warn("registry starting with empty peer table", "store", storePath, "reason", err)
	} else {
		slog.Info("registry loaded peers from disk", "store", storePath, "peers", len(r.peers))
	}

	go r.saveLoop()
	return r
}

// SetClock overrides the time source (for testing).
func (r *Registry) SetClock(c clock.Clock) {
	r.mu.Lock()
	r.clock = c
	r.mu.Unlock()
}

// Close stops the save loop after a final flush of the peer table.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	<-r.saveDone
	return r.Flush()
}

// RegisterPeer adds a peer. Registering an id that is already present is not
// an error: nothing changes, the existing address is kept and created is
// false.
func (r *Registry) RegisterPeer(id, ip string, port int) (created bool, err error) {
	if id == "" {
		return false, protocol.Errorf(protocol.CodeValidation, "Missing 'peer_id'.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		slog.Info("peer already registered, logging in", "peer_id", id)
		return false, nil
	}
	r.nextSeq++
	r.peers[id] = &Peer{
		ID:           id,
		IP:           ip,
		Port:         port,
		RegisteredAt: r.clock.Now(),
		Seq:          r.nextSeq,
	}
	r.save()
	slog.Info("registered peer", "peer_id", id, "ip", ip, "port", port)
	return true, nil
}

// UnregisterPeer removes a peer. Each topic it hosts moves to the peer
// chosen by SelectHost, or is deleted with its log when no peer is left.
// The peer leaves every subscriber set.
func (r *Registry) UnregisterPeer(id string) (Removal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return Removal{}, protocol.Errorf(protocol.CodeNotFound, "Peer %s does not exist.", id)
	}
	delete(r.peers, id)
	r.save()

	rm := Removal{Reassigned: make(map[string]string)}
	var (
		newHost  string
		hasHost  bool
		selected bool
	)
	for name, t := range r.topics {
		if t.host == id {
			if !selected {
				newHost, hasHost = SelectHost(r.peerList(), id)
				selected = true
			}
			if !hasHost {
				delete(r.topics, name)
				rm.Deleted = append(rm.Deleted, name)
				slog.Info("topic deleted, no host available", "topic", name, "messages", len(t.log))
				continue
			}
			t.host = newHost
			rm.Reassigned[name] = newHost
			slog.Info("topic reassigned", "topic", name, "from", id, "to", newHost)
		}
		delete(t.subscribers, id)
	}
	sort.Strings(rm.Deleted)

	slog.Info("unregistered peer", "peer_id", id, "reassigned", len(rm.Reassigned), "deleted", len(rm.Deleted))
	return rm, nil
}

// CreateTopic creates a topic hosted by requester. The requester must be a
// registered peer so the topic always has a reachable host.
func (r *Registry) CreateTopic(name, requester string) error {
	if name == "" {
		return protocol.Errorf(protocol.CodeValidation, "Missing 'topic' field.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return protocol.Errorf(protocol.CodeAlreadyExists, "Topic '%s' already exists.", name)
	}
	if _, ok := r.peers[requester]; !ok {
		return protocol.Errorf(protocol.CodeNotFound, "Peer %s is not registered.", requester)
	}
	r.nextSeq++
	r.topics[name] = &topic{
		name:        name,
		host:        requester,
		subscribers: make(map[string]struct{}),
		createdAt:   r.clock.Now(),
		seq:         r.nextSeq,
	}
	slog.Info("topic created", "topic", name, "host", requester)
	return nil
}

// DeleteTopic removes a topic and its log. Only the current host may do so.
func (r *Registry) DeleteTopic(name, requester string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "Topic '%s' does not exist.", name)
	}
	if t.host != requester {
		return protocol.Errorf(protocol.CodeNotHost, "Peer %s is not the host of topic '%s'.", requester, name)
	}
	delete(r.topics, name)
	slog.Info("topic deleted", "topic", name, "host", requester, "messages", len(t.log))
	return nil
}

// Subscribe adds peerID to the topic's subscribers and returns the current
// host's address. The subscriber does not have to be registered.
func (r *Registry) Subscribe(name, peerID string) (protocol.PeerAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return protocol.PeerAddr{}, protocol.Errorf(protocol.CodeNotFound, "Topic '%s' does not exist.", name)
	}
	t.subscribers[peerID] = struct{}{}
	slog.Info("peer subscribed", "topic", name, "peer_id", peerID)
	return r.hostAddr(t), nil
}

// Publish appends content to the topic log and returns the entry's index.
// Any peer may publish, host or not.
func (r *Registry) Publish(name, sender, content string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return 0, protocol.Errorf(protocol.CodeNotFound, "Topic '%s' does not exist.", name)
	}
	idx := int64(len(t.log))
	t.log = append(t.log, protocol.Message{Index: idx, Sender: sender, Content: content})
	slog.Debug("message appended", "topic", name, "peer_id", sender, "index", idx, "bytes", len(content))
	return idx, nil
}

// Messages returns the log entries of a topic with index > lastRead in
// ascending order. The requester must be subscribed. No cursor is kept on
// the server.
func (r *Registry) Messages(name, requester string, lastRead int64) ([]protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Topic '%s' does not exist.", name)
	}
	if _, ok := t.subscribers[requester]; !ok {
		return nil, protocol.Errorf(protocol.CodeNotSubscribed, "Peer %s is not subscribed to topic '%s'.", requester, name)
	}

	n := int64(len(t.log))
	// Compared before adding one so a cursor of MaxInt64 cannot wrap.
	if lastRead >= n-1 {
		return []protocol.Message{}, nil
	}
	start := lastRead + 1
	if start < 0 {
		start = 0
	}
	out := make([]protocol.Message, n-start)
	copy(out, t.log[start:])
	return out, nil
}

// SubscribedTopics lists the topics peerID subscribes to, oldest first.
func (r *Registry) SubscribedTopics(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*topic
	for _, t := range r.topics {
		if _, ok := t.subscribers[peerID]; ok {
			out = append(out, t)
		}
	}
	return topicNames(out)
}

// Topics lists every existing topic, oldest first.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	return topicNames(out)
}

// TopicHost returns the address of the peer currently hosting the topic.
func (r *Registry) TopicHost(name string) (protocol.PeerAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return protocol.PeerAddr{}, protocol.Errorf(protocol.CodeNotFound, "Topic '%s' does not exist.", name)
	}
	return r.hostAddr(t), nil
}

// Topic returns a snapshot of one topic.
func (r *Registry) Topic(name string) (TopicInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return TopicInfo{}, false
	}
	subs := make([]string, 0, len(t.subscribers))
	for id := range t.subscribers {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return TopicInfo{
		Name:        t.name,
		Host:        t.host,
		Subscribers: subs,
		Messages:    len(t.log),
		CreatedAt:   t.createdAt,
	}, true
}

// Peer returns a registered peer.
func (r *Registry) Peer(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers lists registered peers in registration order.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerList()
}

// peerList returns the peers ordered by Seq. Must be called with r.mu held.
func (r *Registry) peerList() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// hostAddr resolves a topic's host. Must be called with r.mu held.
func (r *Registry) hostAddr(t *topic) protocol.PeerAddr {
	if p, ok := r.peers[t.host]; ok {
		return p.Addr()
	}
	return protocol.PeerAddr{ID: t.host}
}

func topicNames(ts []*topic) []string {
	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.name
	}
	return names
}
