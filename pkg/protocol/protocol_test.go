package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := (&Request{Action: ActionGetMessages, PeerID: "b", Topic: "x"}).WithLastRead(4)
	require.NoError(t, WriteFrame(&buf, req))
	require.NoError(t, WriteFrame(&buf, &Request{Action: ActionRegister, PeerID: "a", IP: "127.0.0.1", Port: 6000}))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	require.Equal(t, ActionGetMessages, got.Action)
	require.Equal(t, int64(4), got.LastReadIndex())

	got = Request{}
	require.NoError(t, ReadFrame(&buf, &got))
	require.Equal(t, 6000, got.Port)
	require.Equal(t, NoneRead, got.LastReadIndex())

	require.ErrorIs(t, ReadFrame(&buf, &got), io.EOF)
}

func TestFrameLargerThanPoolBuffer(t *testing.T) {
	var buf bytes.Buffer
	content := strings.Repeat("z", 64*1024)
	require.NoError(t, WriteFrame(&buf, &Request{Action: ActionSendMessage, PeerID: "a", Topic: "x", Content: content}))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	require.Equal(t, content, got.Content)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	var got Request
	err := ReadFrame(bytes.NewReader(hdr[:]), &got)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	var got Request
	err := ReadFrame(bytes.NewReader(append(hdr[:], '{', '"')), &got)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameBadJSON(t *testing.T) {
	body := []byte("not json")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	var got Request
	err := ReadFrame(bytes.NewReader(append(hdr[:], body...)), &got)
	require.Error(t, err)
	require.Contains(t, err.Error(), "json decode")
}

func TestMessageEncodesAsTuple(t *testing.T) {
	data, err := json.Marshal(Response{
		Status:   StatusMessagesRetrieved,
		Messages: []Message{{Index: 0, Sender: "A", Content: "hello"}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"messages_retrieved","messages":[[0,"A","hello"]]}`, string(data))

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, []Message{{Index: 0, Sender: "A", Content: "hello"}}, resp.Messages)

	var m Message
	require.Error(t, json.Unmarshal([]byte(`[1,"A"]`), &m))
}

func TestErrorMatchesByCode(t *testing.T) {
	err := Errorf(CodeNotHost, "Peer %s is not the host of topic '%s'.", "b", "x")
	require.ErrorIs(t, err, ErrNotHost)
	require.False(t, errors.Is(err, ErrNotFound))
	require.Equal(t, "Peer b is not the host of topic 'x'.", err.Error())

	resp := ErrorResponse(err)
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, CodeNotHost, resp.Code)
	require.ErrorIs(t, resp.Err(), ErrNotHost)

	resp = ErrorResponse(errors.New("boom"))
	require.Equal(t, CodeInternal, resp.Code)
	require.Equal(t, "request failed", resp.Message)

	require.NoError(t, (&Response{Status: StatusSuccess}).Err())
}

func TestEmptyListsAreSentAsArrays(t *testing.T) {
	tests := []struct {
		resp *Response
		want string
	}{
		{&Response{Status: StatusMessagesRetrieved}, `{"status":"messages_retrieved","messages":[]}`},
		{&Response{Status: StatusSubscribedTopics}, `{"status":"subscribed_topics","topics":[]}`},
		{&Response{Status: StatusCreatedTopics, Topics: []string{}}, `{"status":"created_topics","topics":[]}`},
		{&Response{Status: StatusTopicCreated, Message: "ok"}, `{"status":"topic_created","message":"ok"}`},
		{ErrorResponse(ErrNotFound), `{"status":"error","code":"not_found","message":"not found"}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.resp)
		require.NoError(t, err)
		require.JSONEq(t, tt.want, string(data))
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Response{Status: StatusMessagesRetrieved}))
	var got Response
	require.NoError(t, ReadFrame(&buf, &got))
	require.NotNil(t, got.Messages)
	require.Empty(t, got.Messages)
}

func TestFitMessagesKeepsFramePrefix(t *testing.T) {
	big := strings.Repeat("x", 400*1024)
	msgs := []Message{
		{Index: 0, Sender: "A", Content: big},
		{Index: 1, Sender: "A", Content: big},
		{Index: 2, Sender: "A", Content: big},
	}

	fit := FitMessages(msgs)
	require.Equal(t, msgs[:2], fit)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Response{Status: StatusMessagesRetrieved, Messages: fit}))
	require.LessOrEqual(t, buf.Len()-4, MaxFrameSize)

	small := []Message{{Index: 0, Sender: "A", Content: "a"}, {Index: 1, Sender: "B", Content: "b"}}
	require.Equal(t, small, FitMessages(small))
	require.Empty(t, FitMessages(nil))
}

func TestFitMessagesExactBoundary(t *testing.T) {
	// One entry sized so the response is exactly MaxFrameSize.
	m := Message{Index: 0, Sender: "A"}
	m.Content = strings.Repeat("y", MaxFrameSize-messagesEnvelope-len(`[0,"A",""]`))
	require.True(t, EntryFits(m))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Response{Status: StatusMessagesRetrieved, Messages: FitMessages([]Message{m})}))
	require.Equal(t, MaxFrameSize, buf.Len()-4)

	m.Content += "y"
	require.False(t, EntryFits(m))
	require.Empty(t, FitMessages([]Message{m}))
}
