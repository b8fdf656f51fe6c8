package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Actions understood by the indexing server.
const (
	ActionRegister             = "register"
	ActionUnregister           = "unregister"
	ActionCreateTopic          = "create_topic"
	ActionDeleteTopic          = "delete_topic"
	ActionSubscribe            = "subscribe"
	ActionSendMessage          = "send_message"
	ActionGetMessages          = "get_messages"
	ActionViewSubscribedTopics = "view_subscribed_topics"
	ActionViewCreatedTopics    = "view_created_topics"
	ActionGetTopicHost         = "get_topic_host"
)

// Response statuses.
const (
	StatusRegistered        = "registered"
	StatusLoggedIn          = "logged_in"
	StatusUnregistered      = "unregistered"
	StatusTopicCreated      = "topic_created"
	StatusTopicDeleted      = "topic_deleted"
	StatusSubscribed        = "subscribed"
	StatusMessageSent       = "message_sent"
	StatusMessagesRetrieved = "messages_retrieved"
	StatusSubscribedTopics  = "subscribed_topics"
	StatusCreatedTopics     = "created_topics"
	StatusSuccess           = "success"
	StatusError             = "error"
)

// NoneRead is the read cursor of a peer that has not observed any message.
const NoneRead int64 = -1

// Request is a single peer-to-server record. Which optional fields are
// required depends on Action.
type Request struct {
	Action   string `json:"action"`
	PeerID   string `json:"peer_id"`
	Topic    string `json:"topic,omitempty"`
	Content  string `json:"content,omitempty"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	LastRead *int64 `json:"last_read,omitempty"`
}

// LastReadIndex returns the request's read cursor, NoneRead when absent.
func (r *Request) LastReadIndex() int64 {
	if r.LastRead == nil {
		return NoneRead
	}
	return *r.LastRead
}

// WithLastRead sets the read cursor carried by a get_messages request.
func (r *Request) WithLastRead(idx int64) *Request {
	r.LastRead = &idx
	return r
}

// Response is the server's answer to exactly one Request.
type Response struct {
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Code     Code      `json:"code,omitempty"`
	HostPeer *PeerAddr `json:"host_peer,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Topics   []string  `json:"topics,omitempty"`
}

// MarshalJSON always emits "messages" on messages_retrieved and "topics" on
// the topic listings, as [] when empty. Other statuses omit both.
func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	out := struct {
		plain
		Messages *[]Message `json:"messages,omitempty"`
		Topics   *[]string  `json:"topics,omitempty"`
	}{plain: plain(r)}

	msgs, topics := r.Messages, r.Topics
	if r.Status == StatusMessagesRetrieved || len(msgs) > 0 {
		if msgs == nil {
			msgs = []Message{}
		}
		out.Messages = &msgs
	}
	if r.Status == StatusSubscribedTopics || r.Status == StatusCreatedTopics || len(topics) > 0 {
		if topics == nil {
			topics = []string{}
		}
		out.Topics = &topics
	}
	return json.Marshal(out)
}

// Err returns the response as an *Error when its status is "error".
func (r *Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: r.Message}
}

// ErrorResponse converts err into an error response. Errors that are not
// *Error are reported without detail.
func ErrorResponse(err error) *Response {
	if e, ok := AsError(err); ok {
		return &Response{Status: StatusError, Code: e.Code, Message: e.Message}
	}
	return &Response{Status: StatusError, Code: CodeInternal, Message: "request failed"}
}

// PeerAddr identifies a peer and the address it advertised at registration.
type PeerAddr struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Message is one entry of a topic log. It travels as the JSON array
// [index, sender, content].
type Message struct {
	Index   int64
	Sender  string
	Content string
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Index, m.Sender, m.Content})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("message entry: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("message entry: want 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &m.Index); err != nil {
		return fmt.Errorf("message index: %w", err)
	}
	if err := json.Unmarshal(raw[1], &m.Sender); err != nil {
		return fmt.Errorf("message sender: %w", err)
	}
	if err := json.Unmarshal(raw[2], &m.Content); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	return nil
}

// messagesEnvelope is the encoded size of a messages_retrieved response with
// an empty list.
const messagesEnvelope = len(`{"status":"messages_retrieved","messages":[]}`)

func entrySize(m Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		return MaxFrameSize + 1
	}
	return len(b)
}

// EntryFits reports whether m alone fits in a messages_retrieved frame.
func EntryFits(m Message) bool {
	return messagesEnvelope+entrySize(m) <= MaxFrameSize
}

// FitMessages returns the longest prefix of msgs that fits in one
// messages_retrieved frame. The rest is left for the next read.
func FitMessages(msgs []Message) []Message {
	size := messagesEnvelope
	for i, m := range msgs {
		n := entrySize(m)
		if i > 0 {
			n++ // separator
		}
		if size+n > MaxFrameSize {
			return msgs[:i]
		}
		size += n
	}
	return msgs
}
