package rtmp

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightcast/rtmp/amf/amf0"
	"github.com/lightcast/rtmp/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu            sync.Mutex
	rejectConnect error
	rejectPublish error

	connects  []string
	publishes [][2]string
	plays     []string
	av        []*Message
	closes    []error
}

func (h *recordingHandler) OnConnect(sessionID, app, tcURL string, objectEncoding float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, app)
	return h.rejectConnect
}

func (h *recordingHandler) OnPublish(sessionID, streamName, publishingType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishes = append(h.publishes, [2]string{streamName, publishingType})
	return h.rejectPublish
}

func (h *recordingHandler) OnPlay(sessionID, streamName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plays = append(h.plays, streamName)
	return nil
}

func (h *recordingHandler) OnAVMessage(sessionID string, msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.av = append(h.av, msg)
}

func (h *recordingHandler) OnClose(sessionID string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, reason)
}

// testClient drives the publisher side of a connection from the test.
type testClient struct {
	t           *testing.T
	conn        net.Conn
	reader      *Reader
	chunkReader *ChunkReader
	chunkWriter *ChunkWriter
	partials    map[uint32]*partialMessage
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	reader, err := NewReader(bufio.NewReader(conn))
	require.NoError(t, err)
	writer, err := NewWriter(bufio.NewWriter(conn))
	require.NoError(t, err)
	return &testClient{
		t:           t,
		conn:        conn,
		reader:      reader,
		chunkReader: NewChunkReader(reader, 16<<20),
		chunkWriter: NewChunkWriter(writer),
		partials:    make(map[uint32]*partialMessage),
	}
}

func (c *testClient) handshake() {
	c.t.Helper()
	c0c1 := buildC0C1()
	_, err := c.conn.Write(c0c1)
	require.NoError(c.t, err)

	s0s1s2 := make([]byte, 1+2*handshakePayloadSize)
	_, err = io.ReadFull(c.conn, s0s1s2)
	require.NoError(c.t, err)
	require.Equal(c.t, byte(RtmpVersion3), s0s1s2[0])

	_, err = c.conn.Write(s0s1s2[1 : 1+handshakePayloadSize])
	require.NoError(c.t, err)
}

func (c *testClient) sendCommand(values ...interface{}) {
	c.t.Helper()
	body, err := amf0.EncodeAll(values...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.chunkWriter.WriteMessage(CommandChannel, &Message{
		Type:    CommandMessageAMF0,
		Payload: body,
	}))
}

func (c *testClient) sendAudio(streamID uint32, timestamp uint32, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.chunkWriter.WriteMessage(AudioChannel, &Message{
		Type:      AudioMessage,
		StreamID:  streamID,
		Timestamp: timestamp,
		Payload:   payload,
	}))
}

// readMessage assembles the server's next message, tracking chunk size
// changes it announces.
func (c *testClient) readMessage() *Message {
	c.t.Helper()
	for {
		chunk, err := c.chunkReader.ReadChunk()
		require.NoError(c.t, err)

		csid := chunk.Header.ChunkStreamID
		var p *partialMessage
		if chunk.StartsMessage {
			p = &partialMessage{header: chunk.Header, payload: make([]byte, chunk.Header.MessageLength)}
			c.partials[csid] = p
		} else {
			p = c.partials[csid]
			require.NotNil(c.t, p)
		}
		copy(p.payload[p.collected:], chunk.Payload)
		p.collected += uint32(len(chunk.Payload))
		if p.collected < p.header.MessageLength {
			continue
		}
		delete(c.partials, csid)
		msg := &Message{
			Type:      p.header.MessageType,
			StreamID:  p.header.MessageStreamID,
			Timestamp: p.header.Timestamp,
			Payload:   p.payload,
		}
		if msg.Type == SetChunkSize {
			c.chunkReader.SetChunkSize(binary.BigEndian.Uint32(msg.Payload))
		}
		return msg
	}
}

func (c *testClient) readCommand() []interface{} {
	c.t.Helper()
	msg := c.readMessage()
	require.Equal(c.t, CommandMessageAMF0, msg.Type)
	values, err := amf0.NewDecoder(msg.Payload).DecodeAll()
	require.NoError(c.t, err)
	return values
}

// startSession runs a server session over one end of a pipe.
func startSession(t *testing.T, conn net.Conn, handler Handler, cfg *config.Config) chan error {
	t.Helper()
	session, err := NewSession(zap.NewNop(), conn,
		bufio.NewReaderSize(conn, config.BufioSize),
		bufio.NewWriterSize(conn, config.BufioSize),
		handler, cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run()
	}()
	return errCh
}

func (c *testClient) connect(app string) []interface{} {
	c.t.Helper()
	c.sendCommand("connect", float64(1), amf0.Object{
		{Key: "app", Value: app},
		{Key: "tcUrl", Value: "rtmp://h/" + app},
		{Key: "objectEncoding", Value: float64(0)},
	})

	winAck := c.readMessage()
	require.Equal(c.t, WindowAckSize, winAck.Type)
	assert.Equal(c.t, uint32(2500000), binary.BigEndian.Uint32(winAck.Payload))

	peerBw := c.readMessage()
	require.Equal(c.t, SetPeerBandwidth, peerBw.Type)
	assert.Equal(c.t, uint32(2500000), binary.BigEndian.Uint32(peerBw.Payload[:4]))
	assert.Equal(c.t, LimitDynamic, peerBw.Payload[4])

	streamBegin := c.readMessage()
	require.Equal(c.t, UserControl, streamBegin.Type)
	assert.Equal(c.t, EventStreamBegin, binary.BigEndian.Uint16(streamBegin.Payload[:2]))
	assert.Equal(c.t, uint32(0), binary.BigEndian.Uint32(streamBegin.Payload[2:6]))

	chunkSize := c.readMessage()
	require.Equal(c.t, SetChunkSize, chunkSize.Type)
	assert.Equal(c.t, uint32(4096), binary.BigEndian.Uint32(chunkSize.Payload))

	return c.readCommand()
}

// The connect / createStream / publish sequence with the replies the spec
// prescribes, followed by media forwarding.
func TestSessionConnectCreateStreamPublish(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{}
	errCh := startSession(t, server, handler, nil)

	c := newTestClient(t, client)
	c.handshake()

	result := c.connect("live")
	require.Len(t, result, 4)
	assert.Equal(t, "_result", result[0])
	assert.Equal(t, float64(1), result[1])
	assert.Equal(t, amf0.Object{
		{Key: "fmsVer", Value: "FMS/3,0,1,123"},
		{Key: "capabilities", Value: float64(31)},
		{Key: "mode", Value: float64(1)},
	}, result[2])
	assert.Equal(t, amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetConnection.Connect.Success"},
		{Key: "description", Value: "Connection succeeded."},
		{Key: "objectEncoding", Value: float64(0)},
	}, result[3])

	c.sendCommand("createStream", float64(2), nil)
	created := c.readCommand()
	require.Len(t, created, 4)
	assert.Equal(t, "_result", created[0])
	assert.Equal(t, float64(2), created[1])
	assert.Nil(t, created[2])
	assert.Equal(t, float64(1), created[3])

	c.sendCommand("publish", float64(3), nil, "mystream", "live")

	streamBegin := c.readMessage()
	require.Equal(t, UserControl, streamBegin.Type)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(streamBegin.Payload[2:6]))

	status := c.readCommand()
	require.Len(t, status, 4)
	assert.Equal(t, "onStatus", status[0])
	assert.Equal(t, float64(0), status[1])
	assert.Nil(t, status[2])
	assert.Equal(t, amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetStream.Publish.Start"},
		{Key: "description", Value: "Started publishing mystream."},
		{Key: "details", Value: "mystream"},
	}, status[3])

	// Media flows to the consumer once publishing.
	payload := patternedPayload(300)
	payload[0] = 0xAF // AAC, 44kHz, 16-bit, stereo
	c.sendAudio(1, 40, payload)

	require.NoError(t, client.Close())
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"live"}, handler.connects)
	assert.Equal(t, [][2]string{{"mystream", "live"}}, handler.publishes)
	require.Len(t, handler.av, 1)
	assert.Equal(t, AudioMessage, handler.av[0].Type)
	assert.Equal(t, uint32(40), handler.av[0].Timestamp)
	assert.Equal(t, payload, handler.av[0].Payload)
	require.Len(t, handler.closes, 1)
	assert.NoError(t, handler.closes[0])
}

// A command that is invalid for the current state draws an _error but keeps
// the connection open.
func TestSessionUnexpectedCommand(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{}
	errCh := startSession(t, server, handler, nil)

	c := newTestClient(t, client)
	c.handshake()

	c.sendCommand("publish", float64(1), nil, "mystream", "live")
	reply := c.readCommand()
	require.NotEmpty(t, reply)
	assert.Equal(t, "_error", reply[0])

	// The connection is still usable.
	result := c.connect("live")
	assert.Equal(t, "_result", result[0])

	require.NoError(t, client.Close())
	require.NoError(t, <-errCh)
	assert.Empty(t, handler.publishes)
}

// A handler rejection turns into an onStatus error and leaves the
// connection open.
func TestSessionPublishRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{rejectPublish: errors.New("stream key not recognized")}
	errCh := startSession(t, server, handler, nil)

	c := newTestClient(t, client)
	c.handshake()
	c.connect("live")

	c.sendCommand("createStream", float64(2), nil)
	c.readCommand()

	c.sendCommand("publish", float64(3), nil, "mystream", "live")
	status := c.readCommand()
	require.Len(t, status, 4)
	assert.Equal(t, "onStatus", status[0])
	info, ok := status[3].(amf0.Object)
	require.True(t, ok)
	level, _ := info.GetString("level")
	code, _ := info.GetString("code")
	assert.Equal(t, "error", level)
	assert.Equal(t, "NetStream.Publish.BadName", code)

	require.NoError(t, client.Close())
	require.NoError(t, <-errCh)
}

// releaseStream and FCPublish get the no-op _result replies encoders expect.
func TestSessionReleaseStreamAndFCPublish(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{}
	errCh := startSession(t, server, handler, nil)

	c := newTestClient(t, client)
	c.handshake()
	c.connect("live")

	c.sendCommand("releaseStream", float64(2), nil, "mystream")
	released := c.readCommand()
	require.Len(t, released, 4)
	assert.Equal(t, "_result", released[0])
	assert.Equal(t, float64(2), released[1])
	assert.Nil(t, released[2])
	assert.Nil(t, released[3])

	c.sendCommand("FCPublish", float64(3), nil, "mystream")
	fcPublished := c.readCommand()
	assert.Equal(t, "_result", fcPublished[0])

	require.NoError(t, client.Close())
	require.NoError(t, <-errCh)
}

// Stream ids are assigned monotonically per connection.
func TestSessionMonotonicStreamIDs(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{}
	errCh := startSession(t, server, handler, nil)

	c := newTestClient(t, client)
	c.handshake()
	c.connect("live")

	for i := 1; i <= 3; i++ {
		c.sendCommand("createStream", float64(10+i), nil)
		created := c.readCommand()
		require.Len(t, created, 4)
		assert.Equal(t, float64(i), created[3])
	}

	require.NoError(t, client.Close())
	require.NoError(t, <-errCh)
}

// An idle connection is reaped once the configured read timeout elapses.
func TestSessionReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := config.Default()
	cfg.ReadTimeoutMs = 50

	handler := &recordingHandler{}
	errCh := startSession(t, server, handler, cfg)

	c := newTestClient(t, client)
	c.handshake()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not time out")
	}
	require.Len(t, handler.closes, 1)
	assert.Error(t, handler.closes[0])
}
