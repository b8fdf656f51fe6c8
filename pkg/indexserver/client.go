package indexserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
)

// ErrClientClosed is returned by requests on a closed Client.
var ErrClientClosed = errors.New("client closed")

// Client talks to an indexing server over a single TCP connection. Requests
// are serialised: each one waits for its response before the next is sent.
//
// A failed request is never retried. If the failure broke the connection it
// is dropped and the next request dials again.
type Client struct {
	conn        net.Conn
	mu          sync.Mutex
	addr        string
	closed      bool
	dialTimeout time.Duration
}

// Dial connects to the indexing server at addr.
func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 0)
}

// DialTimeout is Dial with a connect timeout; zero means none.
func DialTimeout(addr string, timeout time.Duration) (*Client, error) {
	c := &Client{addr: addr, dialTimeout: timeout}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the server address the client dials.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connect dials the server. Must be called with c.mu held or before c is
// shared.
func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial indexing server: %w", err)
	}
	c.conn = conn
	slog.Debug("connected to indexing server", "addr", c.addr)
	return nil
}

// Send writes req and reads its response. A response with status "error"
// is returned together with its *protocol.Error.
func (c *Client) Send(req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return nil, err
		}
	}

	if err := protocol.WriteFrame(c.conn, req); err != nil {
		// An oversize request is refused before anything is written.
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			c.dropLocked()
		}
		return nil, fmt.Errorf("send: %w", err)
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("recv: %w", err)
	}
	slog.Debug("indexing server exchange", "action", req.Action, "status", resp.Status)
	if err := resp.Err(); err != nil {
		return &resp, err
	}
	return &resp, nil
}

func (c *Client) dropLocked() {
	c.conn.Close()
	c.conn = nil
}

// expect sends req and checks the response carries one of the statuses.
func (c *Client) expect(req *protocol.Request, statuses ...string) (*protocol.Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return resp, err
	}
	for _, st := range statuses {
		if resp.Status == st {
			return resp, nil
		}
	}
	return resp, fmt.Errorf("%s: unexpected status %q", req.Action, resp.Status)
}

// Register registers peerID with its advertised address. It reports
// whether the peer was new (false means it was already registered).
func (c *Client) Register(peerID, ip string, port int) (bool, error) {
	resp, err := c.expect(&protocol.Request{
		Action: protocol.ActionRegister,
		PeerID: peerID,
		IP:     ip,
		Port:   port,
	}, protocol.StatusRegistered, protocol.StatusLoggedIn)
	if err != nil {
		return false, err
	}
	return resp.Status == protocol.StatusRegistered, nil
}

func (c *Client) Unregister(peerID string) error {
	_, err := c.expect(&protocol.Request{
		Action: protocol.ActionUnregister,
		PeerID: peerID,
	}, protocol.StatusUnregistered)
	return err
}

func (c *Client) CreateTopic(peerID, topic string) error {
	_, err := c.expect(&protocol.Request{
		Action: protocol.ActionCreateTopic,
		PeerID: peerID,
		Topic:  topic,
	}, protocol.StatusTopicCreated)
	return err
}

func (c *Client) DeleteTopic(peerID, topic string) error {
	_, err := c.expect(&protocol.Request{
		Action: protocol.ActionDeleteTopic,
		PeerID: peerID,
		Topic:  topic,
	}, protocol.StatusTopicDeleted)
	return err
}

// Subscribe subscribes peerID to topic and returns the topic's host.
func (c *Client) Subscribe(peerID, topic string) (protocol.PeerAddr, error) {
	resp, err := c.expect(&protocol.Request{
		Action: protocol.ActionSubscribe,
		PeerID: peerID,
		Topic:  topic,
	}, protocol.StatusSubscribed)
	if err != nil {
		return protocol.PeerAddr{}, err
	}
	if resp.HostPeer == nil {
		return protocol.PeerAddr{}, fmt.Errorf("subscribe: response without host_peer")
	}
	return *resp.HostPeer, nil
}

// SendMessage publishes content to topic.
func (c *Client) SendMessage(peerID, topic, content string) error {
	_, err := c.expect(&protocol.Request{
		Action:  protocol.ActionSendMessage,
		PeerID:  peerID,
		Topic:   topic,
		Content: content,
	}, protocol.StatusMessageSent)
	return err
}

// GetMessages returns the entries of topic with index > lastRead.
func (c *Client) GetMessages(peerID, topic string, lastRead int64) ([]protocol.Message, error) {
	req := &protocol.Request{
		Action: protocol.ActionGetMessages,
		PeerID: peerID,
		Topic:  topic,
	}
	resp, err := c.expect(req.WithLastRead(lastRead), protocol.StatusMessagesRetrieved)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SubscribedTopics lists the topics the server has peerID subscribed to.
func (c *Client) SubscribedTopics(peerID string) ([]string, error) {
	resp, err := c.expect(&protocol.Request{
		Action: protocol.ActionViewSubscribedTopics,
		PeerID: peerID,
	}, protocol.StatusSubscribedTopics)
	if err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// CreatedTopics lists every existing topic.
func (c *Client) CreatedTopics(peerID string) ([]string, error) {
	resp, err := c.expect(&protocol.Request{
		Action: protocol.ActionViewCreatedTopics,
		PeerID: peerID,
	}, protocol.StatusCreatedTopics)
	if err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// TopicHost returns the peer currently hosting topic.
func (c *Client) TopicHost(peerID, topic string) (protocol.PeerAddr, error) {
	resp, err := c.expect(&protocol.Request{
		Action: protocol.ActionGetTopicHost,
		PeerID: peerID,
		Topic:  topic,
	}, protocol.StatusSuccess)
	if err != nil {
		return protocol.PeerAddr{}, err
	}
	if resp.HostPeer == nil {
		return protocol.PeerAddr{}, fmt.Errorf("get_topic_host: response without host_peer")
	}
	return *resp.HostPeer, nil
}
