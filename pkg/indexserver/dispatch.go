package indexserver

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
)

// Dispatch validates req, runs the registry operation its action names and
// builds the single response for it. It never returns nil.
func (s *Server) Dispatch(req *protocol.Request) *protocol.Response {
	s.requestCount.Add(1)
	start := s.clock.Now()

	resp, err := s.handleRequest(req)
	if err != nil {
		if _, ok := protocol.AsError(err); !ok {
			slog.Error("request failed", "action", req.Action, "peer_id", req.PeerID, "err", err)
		} else {
			slog.Debug("request rejected", "action", req.Action, "peer_id", req.PeerID, "err", err)
		}
		resp = protocol.ErrorResponse(err)
	}

	s.metrics.observe(req.Action, resp, s.clock.Since(start))
	return resp
}

func (s *Server) handleRequest(req *protocol.Request) (*protocol.Response, error) {
	if req.Action == "" || req.PeerID == "" {
		return nil, protocol.Errorf(protocol.CodeValidation, "Missing 'action' or 'peer_id'.")
	}

	switch req.Action {
	case protocol.ActionRegister:
		return s.handleRegister(req)
	case protocol.ActionUnregister:
		return s.handleUnregister(req)
	case protocol.ActionCreateTopic:
		return s.handleCreateTopic(req)
	case protocol.ActionDeleteTopic:
		return s.handleDeleteTopic(req)
	case protocol.ActionSubscribe:
		return s.handleSubscribe(req)
	case protocol.ActionSendMessage:
		return s.handleSendMessage(req)
	case protocol.ActionGetMessages:
		return s.handleGetMessages(req)
	case protocol.ActionViewSubscribedTopics:
		return s.handleViewSubscribedTopics(req)
	case protocol.ActionViewCreatedTopics:
		return s.handleViewCreatedTopics()
	case protocol.ActionGetTopicHost:
		return s.handleGetTopicHost(req)
	default:
		return nil, protocol.Errorf(protocol.CodeUnknownAction, "Unknown action '%s'.", req.Action)
	}
}

func requireTopic(req *protocol.Request) error {
	if req.Topic == "" {
		return protocol.Errorf(protocol.CodeValidation, "Missing 'topic' field.")
	}
	return nil
}

func (s *Server) handleRegister(req *protocol.Request) (*protocol.Response, error) {
	created, err := s.reg.RegisterPeer(req.PeerID, req.IP, req.Port)
	if err != nil {
		return nil, err
	}
	if !created {
		return &protocol.Response{
			Status:  protocol.StatusLoggedIn,
			Message: fmt.Sprintf("Peer %s already registered. Logging in.", req.PeerID),
		}, nil
	}
	return &protocol.Response{
		Status:  protocol.StatusRegistered,
		Message: fmt.Sprintf("New user %s registered and logged in successfully.", req.PeerID),
	}, nil
}

func (s *Server) handleUnregister(req *protocol.Request) (*protocol.Response, error) {
	if _, err := s.reg.UnregisterPeer(req.PeerID); err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:  protocol.StatusUnregistered,
		Message: fmt.Sprintf("Peer %s unregistered successfully.", req.PeerID),
	}, nil
}

func (s *Server) handleCreateTopic(req *protocol.Request) (*protocol.Response, error) {
	if err := requireTopic(req); err != nil {
		return nil, err
	}
	if err := s.reg.CreateTopic(req.Topic, req.PeerID); err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:  protocol.StatusTopicCreated,
		Message: fmt.Sprintf("Topic '%s' created successfully.", req.Topic),
	}, nil
}

func (s *Server) handleDeleteTopic(req *protocol.Request) (*protocol.Response, error) {
	if err := requireTopic(req); err != nil {
		return nil, err
	}
	if err := s.reg.DeleteTopic(req.Topic, req.PeerID); err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:  protocol.StatusTopicDeleted,
		Message: fmt.Sprintf("Topic '%s' deleted successfully.", req.Topic),
	}, nil
}

func (s *Server) handleSubscribe(req *protocol.Request) (*protocol.Response, error) {
	if err := requireTopic(req); err != nil {
		return nil, err
	}
	host, err := s.reg.Subscribe(req.Topic, req.PeerID)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:   protocol.StatusSubscribed,
		Message:  fmt.Sprintf("Subscribed to topic '%s' successfully.", req.Topic),
		HostPeer: &host,
	}, nil
}

func (s *Server) handleSendMessage(req *protocol.Request) (*protocol.Response, error) {
	if req.Topic == "" || req.Content == "" {
		return nil, protocol.Errorf(protocol.CodeValidation, "Missing 'topic' or 'content' field.")
	}
	// Every entry must be readable in a single response frame, whatever
	// index it ends up with.
	if !protocol.EntryFits(protocol.Message{Index: math.MaxInt64, Sender: req.PeerID, Content: req.Content}) {
		return nil, protocol.Errorf(protocol.CodeValidation, "Message too large.")
	}
	if _, err := s.reg.Publish(req.Topic, req.PeerID, req.Content); err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:  protocol.StatusMessageSent,
		Message: "Message sent successfully.",
	}, nil
}

func (s *Server) handleGetMessages(req *protocol.Request) (*protocol.Response, error) {
	if err := requireTopic(req); err != nil {
		return nil, err
	}
	msgs, err := s.reg.Messages(req.Topic, req.PeerID, req.LastReadIndex())
	if err != nil {
		return nil, err
	}
	// A long tail is returned in frame-sized batches; the reader's cursor
	// moves past each batch and the next request continues from there.
	batch := protocol.FitMessages(msgs)
	slog.Debug("messages retrieved", "topic", req.Topic, "peer_id", req.PeerID, "last_read", req.LastReadIndex(),
		"count", len(batch), "pending", len(msgs)-len(batch))
	msgs = batch
	return &protocol.Response{
		Status:   protocol.StatusMessagesRetrieved,
		Messages: msgs,
	}, nil
}

func (s *Server) handleViewSubscribedTopics(req *protocol.Request) (*protocol.Response, error) {
	return &protocol.Response{
		Status: protocol.StatusSubscribedTopics,
		Topics: s.reg.SubscribedTopics(req.PeerID),
	}, nil
}

func (s *Server) handleViewCreatedTopics() (*protocol.Response, error) {
	return &protocol.Response{
		Status: protocol.StatusCreatedTopics,
		Topics: s.reg.Topics(),
	}, nil
}

func (s *Server) handleGetTopicHost(req *protocol.Request) (*protocol.Response, error) {
	if err := requireTopic(req); err != nil {
		return nil, err
	}
	host, err := s.reg.TopicHost(req.Topic)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status:   protocol.StatusSuccess,
		HostPeer: &host,
	}, nil
}
