package rtmp

import (
	"encoding/binary"
	"testing"

	"github.com/lightcast/rtmp/amf/amf0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEvents captures every callback the message manager raises.
type recordingEvents struct {
	connects       []float64
	commandObjects []amf0.Object
	releases       []string
	fcPublishes    []string
	createStreams  []float64
	publishes      [][2]string
	plays          []string
	fcUnpublishes  []string
	deleteStreams  []float64
	closeStreams   int
	unknown        []string
	decodeErrors   []string
	avMessages     []*Message
}

func (r *recordingEvents) onConnect(transactionID float64, commandObject amf0.Object) {
	r.connects = append(r.connects, transactionID)
	r.commandObjects = append(r.commandObjects, commandObject)
}
func (r *recordingEvents) onReleaseStream(transactionID float64, streamName string) {
	r.releases = append(r.releases, streamName)
}
func (r *recordingEvents) onFCPublish(transactionID float64, streamName string) {
	r.fcPublishes = append(r.fcPublishes, streamName)
}
func (r *recordingEvents) onCreateStream(transactionID float64) {
	r.createStreams = append(r.createStreams, transactionID)
}
func (r *recordingEvents) onPublish(transactionID float64, streamName string, publishingType string) {
	r.publishes = append(r.publishes, [2]string{streamName, publishingType})
}
func (r *recordingEvents) onPlay(transactionID float64, streamName string) {
	r.plays = append(r.plays, streamName)
}
func (r *recordingEvents) onFCUnpublish(streamName string) {
	r.fcUnpublishes = append(r.fcUnpublishes, streamName)
}
func (r *recordingEvents) onDeleteStream(streamID float64) {
	r.deleteStreams = append(r.deleteStreams, streamID)
}
func (r *recordingEvents) onCloseStream(transactionID float64) {
	r.closeStreams++
}
func (r *recordingEvents) onUnknownCommand(commandName string, transactionID float64) {
	r.unknown = append(r.unknown, commandName)
}
func (r *recordingEvents) onCommandDecodeError(commandName string, err error) {
	r.decodeErrors = append(r.decodeErrors, commandName)
}
func (r *recordingEvents) onAVMessage(msg *Message) {
	r.avMessages = append(r.avMessages, msg)
}

// drainMessages parses a captured wire buffer back into messages.
func drainMessages(t *testing.T, wire []byte) []*Message {
	t.Helper()
	m, _, _ := newWireManager(t, wire, 16<<20)
	var msgs []*Message
	for {
		msg, err := m.readMessage()
		if err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func protocolMessage(messageType MessageType, payload []byte) []byte {
	wire := []byte{0x02, 0x00, 0x00, 0x00}
	wire = append(wire, 0x00, byte(len(payload)>>8), byte(len(payload)))
	wire = append(wire, byte(messageType))
	wire = append(wire, 0x00, 0x00, 0x00, 0x00)
	return append(wire, payload...)
}

// A ping request is answered with a ping response echoing the payload.
func TestPingRoundTrip(t *testing.T) {
	wire := protocolMessage(UserControl, []byte{0x00, 0x06, 0x12, 0x34, 0x56, 0x78})

	m, _, out := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())

	replies := drainMessages(t, out.Bytes())
	require.Len(t, replies, 1)
	assert.Equal(t, UserControl, replies[0].Type)
	assert.Equal(t, []byte{0x00, 0x07, 0x12, 0x34, 0x56, 0x78}, replies[0].Payload)
}

// Once the peer's window worth of bytes has arrived, one acknowledgement
// carrying the running byte total goes out.
func TestAcknowledgementAccounting(t *testing.T) {
	var wire []byte
	wire = append(wire, protocolMessage(WindowAckSize, []byte{0x00, 0x00, 0x00, 0x64})...)
	audio := &Message{Type: AudioMessage, StreamID: 1, Timestamp: 0, Payload: patternedPayload(100)}
	wire = append(wire, frameMessage(t, AudioChannel, 128, audio)...)

	m, events, out := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	assert.Equal(t, uint32(100), m.ackWindowIn)
	assert.Empty(t, out.Bytes(), "no ack before the window fills")

	require.NoError(t, m.nextMessage())
	require.Len(t, events.avMessages, 1)

	replies := drainMessages(t, out.Bytes())
	require.Len(t, replies, 1)
	assert.Equal(t, Acknowledgement, replies[0].Type)
	total := binary.BigEndian.Uint32(replies[0].Payload)
	assert.Equal(t, uint32(m.reader.BytesRead()), total, "ack carries the running byte total")
	assert.GreaterOrEqual(t, total, uint32(100))
}

// Abort discards the partial message accumulating on the named chunk stream.
func TestAbortDiscardsPartialMessage(t *testing.T) {
	var wire []byte
	wire = append(wire, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC8, byte(VideoMessage), 0x01, 0x00, 0x00, 0x00)
	wire = append(wire, patternedPayload(128)...)
	wire = append(wire, protocolMessage(AbortMessage, []byte{0x00, 0x00, 0x00, 0x05})...)
	wire = append(wire, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, byte(VideoMessage), 0x01, 0x00, 0x00, 0x00)
	wire = append(wire, 'n', 'e', 'x', 't')

	m, events, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	assert.NotContains(t, m.partials, uint32(5))

	require.NoError(t, m.nextMessage())
	require.Len(t, events.avMessages, 1)
	assert.Equal(t, []byte("next"), events.avMessages[0].Payload)
}

// Set Peer Bandwidth is recorded and answered with a window acknowledgement
// size of the same value.
func TestSetPeerBandwidthEcho(t *testing.T) {
	payload := []byte{0x00, 0x26, 0x25, 0xA0, LimitDynamic} // 2_500_000
	wire := protocolMessage(SetPeerBandwidth, payload)

	m, _, out := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	assert.Equal(t, uint32(2500000), m.peerBandwidth)
	assert.Equal(t, LimitDynamic, m.peerBandwidthLimit)

	replies := drainMessages(t, out.Bytes())
	require.Len(t, replies, 1)
	assert.Equal(t, WindowAckSize, replies[0].Type)
	assert.Equal(t, uint32(2500000), binary.BigEndian.Uint32(replies[0].Payload))
}

// The top bit of a Set Chunk Size payload is masked off.
func TestSetChunkSizeMasksTopBit(t *testing.T) {
	wire := protocolMessage(SetChunkSize, []byte{0x80, 0x00, 0x10, 0x00})
	m, _, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	assert.Equal(t, uint32(4096), m.chunkReader.ChunkSize())
}

func TestCommandDispatch(t *testing.T) {
	body, err := amf0.EncodeAll("publish", float64(3), nil, "mystream", "live")
	require.NoError(t, err)
	wire := frameMessage(t, CommandChannel, 128, &Message{Type: CommandMessageAMF0, Payload: body})

	m, events, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	require.Len(t, events.publishes, 1)
	assert.Equal(t, [2]string{"mystream", "live"}, events.publishes[0])
}

// An AMF3 command skips the format selector byte and decodes as AMF0.
func TestCommandAMF3Dispatch(t *testing.T) {
	body, err := amf0.EncodeAll("createStream", float64(2), nil)
	require.NoError(t, err)
	wire := frameMessage(t, CommandChannel, 128, &Message{Type: CommandMessageAMF3, Payload: append([]byte{0x00}, body...)})

	m, events, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	require.Len(t, events.createStreams, 1)
	assert.Equal(t, float64(2), events.createStreams[0])
}

// A malformed command is reported, not fatal.
func TestCommandDecodeErrorIsRecoverable(t *testing.T) {
	wire := frameMessage(t, CommandChannel, 128, &Message{Type: CommandMessageAMF0, Payload: []byte{amf0.TypeString, 0x00}})

	m, events, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	require.Len(t, events.decodeErrors, 1)
}

// Data messages are forwarded like audio and video.
func TestDataMessageForwarded(t *testing.T) {
	body, err := amf0.EncodeAll("@setDataFrame", "onMetaData", amf0.ECMAArray{{Key: "encoder", Value: "obs"}})
	require.NoError(t, err)
	wire := frameMessage(t, AudioChannel, 128, &Message{Type: DataMessageAMF0, StreamID: 1, Payload: body})

	m, events, _ := newWireManager(t, wire, 16<<20)
	require.NoError(t, m.nextMessage())
	require.Len(t, events.avMessages, 1)
	assert.Equal(t, DataMessageAMF0, events.avMessages[0].Type)
}
