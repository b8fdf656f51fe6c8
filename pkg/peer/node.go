package peer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TeoSlayer/topicbus/pkg/indexserver"
	"github.com/TeoSlayer/topicbus/pkg/protocol"
)

// Config identifies a peer and the indexing server it talks to.
type Config struct {
	PeerID      string
	IP          string
	Port        int
	ServerAddr  string
	DialTimeout time.Duration
}

// Node is a peer's session with the indexing server. It keeps the set of
// topics the peer subscribed to through it and a read cursor per topic.
// That state is local: it is not persisted and not reconciled with the
// server.
type Node struct {
	cfg    Config
	client *indexserver.Client

	mu         sync.Mutex
	subscribed map[string]struct{}
	cursors    map[string]int64
	hosts      map[string]protocol.PeerAddr
}

// Connect dials the indexing server named in cfg.
func Connect(cfg Config) (*Node, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	c, err := indexserver.DialTimeout(cfg.ServerAddr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, c), nil
}

// NewWithClient builds a node on an existing client. The node owns c.
func NewWithClient(cfg Config, c *indexserver.Client) *Node {
	return &Node{
		cfg:        cfg,
		client:     c,
		subscribed: make(map[string]struct{}),
		cursors:    make(map[string]int64),
		hosts:      make(map[string]protocol.PeerAddr),
	}
}

func (n *Node) ID() string { return n.cfg.PeerID }

// Addr returns the address the node advertises on registration.
func (n *Node) Addr() protocol.PeerAddr {
	return protocol.PeerAddr{ID: n.cfg.PeerID, IP: n.cfg.IP, Port: n.cfg.Port}
}

// Client exposes the underlying connection for requests the node does not
// wrap.
func (n *Node) Client() *indexserver.Client { return n.client }

func (n *Node) Close() error {
	return n.client.Close()
}

// Register registers the node, or logs it in if the id is already known.
// It reports whether a new registration was created.
func (n *Node) Register() (bool, error) {
	created, err := n.client.Register(n.cfg.PeerID, n.cfg.IP, n.cfg.Port)
	if err != nil {
		return false, fmt.Errorf("register %s: %w", n.cfg.PeerID, err)
	}
	if created {
		slog.Info("peer registered", "peer_id", n.cfg.PeerID, "ip", n.cfg.IP, "port", n.cfg.Port)
	} else {
		slog.Info("peer logged in", "peer_id", n.cfg.PeerID)
	}
	return created, nil
}

// Unregister removes the node from the registry and forgets every local
// subscription and cursor.
func (n *Node) Unregister() error {
	if err := n.client.Unregister(n.cfg.PeerID); err != nil {
		return fmt.Errorf("unregister %s: %w", n.cfg.PeerID, err)
	}
	n.mu.Lock()
	n.subscribed = make(map[string]struct{})
	n.cursors = make(map[string]int64)
	n.hosts = make(map[string]protocol.PeerAddr)
	n.mu.Unlock()
	slog.Info("peer unregistered", "peer_id", n.cfg.PeerID)
	return nil
}

func (n *Node) CreateTopic(topic string) error {
	if err := n.client.CreateTopic(n.cfg.PeerID, topic); err != nil {
		return fmt.Errorf("create topic %q: %w", topic, err)
	}
	slog.Info("topic created", "topic", topic, "peer_id", n.cfg.PeerID)
	return nil
}

// DeleteTopic deletes a topic the node hosts. The local subscription and
// cursor for it are dropped with it.
func (n *Node) DeleteTopic(topic string) error {
	if err := n.client.DeleteTopic(n.cfg.PeerID, topic); err != nil {
		return fmt.Errorf("delete topic %q: %w", topic, err)
	}
	n.forget(topic)
	slog.Info("topic deleted", "topic", topic, "peer_id", n.cfg.PeerID)
	return nil
}

// Subscribe subscribes to topic and returns its host. Subscribing again
// keeps the existing cursor.
func (n *Node) Subscribe(topic string) (protocol.PeerAddr, error) {
	host, err := n.client.Subscribe(n.cfg.PeerID, topic)
	if err != nil {
		return protocol.PeerAddr{}, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	n.mu.Lock()
	n.subscribed[topic] = struct{}{}
	if _, ok := n.cursors[topic]; !ok {
		n.cursors[topic] = protocol.NoneRead
	}
	n.hosts[topic] = host
	n.mu.Unlock()
	slog.Info("subscribed", "topic", topic, "host", host.ID)
	return host, nil
}

// Publish appends content to topic. The node need not be subscribed.
func (n *Node) Publish(topic, content string) error {
	if err := n.client.SendMessage(n.cfg.PeerID, topic, content); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	slog.Debug("message published", "topic", topic, "bytes", len(content))
	return nil
}

// Pull fetches the messages of topic newer than the local cursor and moves
// the cursor to the highest index received. A backlog larger than one frame
// arrives over several calls, oldest first; an empty result means the node
// is caught up. It fails without contacting the server if the node has not
// subscribed to topic.
func (n *Node) Pull(topic string) ([]protocol.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subscribed[topic]; !ok {
		return nil, protocol.Errorf(protocol.CodeNotSubscribed, "Not subscribed to topic '%s'.", topic)
	}
	cursor := n.cursors[topic]

	msgs, err := n.client.GetMessages(n.cfg.PeerID, topic, cursor)
	if err != nil {
		return nil, fmt.Errorf("pull %q: %w", topic, err)
	}
	for _, m := range msgs {
		if m.Index > cursor {
			cursor = m.Index
		}
	}
	n.cursors[topic] = cursor
	slog.Debug("pulled messages", "topic", topic, "count", len(msgs), "cursor", cursor)
	return msgs, nil
}

// Cursor returns the last index read from topic, or false if the node is
// not subscribed to it.
func (n *Node) Cursor(topic string) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.cursors[topic]
	return c, ok
}

// Host returns the topic host reported when the node subscribed.
func (n *Node) Host(topic string) (protocol.PeerAddr, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[topic]
	return h, ok
}

// LocalTopics lists the topics subscribed through this node, sorted.
func (n *Node) LocalTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.subscribed))
	for t := range n.subscribed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubscribedTopics asks the server which topics list this peer as a
// subscriber.
func (n *Node) SubscribedTopics() ([]string, error) {
	topics, err := n.client.SubscribedTopics(n.cfg.PeerID)
	if err != nil {
		return nil, fmt.Errorf("view subscribed topics: %w", err)
	}
	return topics, nil
}

// Topics lists every topic on the server.
func (n *Node) Topics() ([]string, error) {
	topics, err := n.client.CreatedTopics(n.cfg.PeerID)
	if err != nil {
		return nil, fmt.Errorf("view created topics: %w", err)
	}
	return topics, nil
}

// TopicHost asks the server for the current host of topic.
func (n *Node) TopicHost(topic string) (protocol.PeerAddr, error) {
	host, err := n.client.TopicHost(n.cfg.PeerID, topic)
	if err != nil {
		return protocol.PeerAddr{}, fmt.Errorf("topic host %q: %w", topic, err)
	}
	n.mu.Lock()
	if _, ok := n.subscribed[topic]; ok {
		n.hosts[topic] = host
	}
	n.mu.Unlock()
	return host, nil
}

func (n *Node) forget(topic string) {
	n.mu.Lock()
	delete(n.subscribed, topic)
	delete(n.cursors, topic)
	delete(n.hosts, topic)
	n.mu.Unlock()
}
