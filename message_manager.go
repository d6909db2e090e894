package rtmp

import (
	"encoding/binary"

	"github.com/lightcast/rtmp/amf/amf0"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// sessionEvents is the set of callbacks the message manager raises into the
// owning session once a message has been reassembled and decoded.
type sessionEvents interface {
	onConnect(transactionID float64, commandObject amf0.Object)
	onReleaseStream(transactionID float64, streamName string)
	onFCPublish(transactionID float64, streamName string)
	onCreateStream(transactionID float64)
	onPublish(transactionID float64, streamName string, publishingType string)
	onPlay(transactionID float64, streamName string)
	onFCUnpublish(streamName string)
	onDeleteStream(streamID float64)
	onCloseStream(transactionID float64)
	onUnknownCommand(commandName string, transactionID float64)
	onCommandDecodeError(commandName string, err error)
	onAVMessage(msg *Message)
}

// partialMessage accumulates one message under reassembly on a single chunk
// stream. collected never exceeds the target length.
type partialMessage struct {
	header    ChunkHeader
	payload   []byte
	collected uint32
}

// flush surfaces whatever was collected so far, for the lenient policy when
// a full header interrupts reassembly.
func (p *partialMessage) flush() *Message {
	return &Message{
		Type:      p.header.MessageType,
		StreamID:  p.header.MessageStreamID,
		Timestamp: p.header.Timestamp,
		Payload:   p.payload[:p.collected],
	}
}

// MessageManager reassembles chunks into messages, fragments outbound
// messages, tracks acknowledgement accounting, and dispatches inbound
// messages by type. One instance serves exactly one connection.
type MessageManager struct {
	logger      *zap.SugaredLogger
	session     sessionEvents
	handshaker  *Handshaker
	reader      *Reader
	chunkReader *ChunkReader
	chunkWriter *ChunkWriter

	partials map[uint32]*partialMessage
	pending  []*Message

	// ackWindowIn is the window the peer advertised; 0 means the peer never
	// asked for acknowledgements.
	ackWindowIn  uint32
	ackWindowOut uint32
	// lastAckMark is the reader's byte total when the last ack was sent.
	lastAckMark     uint64
	lastAckReceived uint32

	peerBandwidth      uint32
	peerBandwidthLimit uint8

	outstandingPing bool
	bufferLengths   map[uint32]uint32
}

func NewMessageManager(logger *zap.SugaredLogger, session sessionEvents, handshaker *Handshaker, reader *Reader, chunkReader *ChunkReader, chunkWriter *ChunkWriter) *MessageManager {
	return &MessageManager{
		logger:             logger,
		session:            session,
		handshaker:         handshaker,
		reader:             reader,
		chunkReader:        chunkReader,
		chunkWriter:        chunkWriter,
		partials:           make(map[uint32]*partialMessage),
		peerBandwidthLimit: LimitNotSet,
		bufferLengths:      make(map[uint32]uint32),
	}
}

// Initialize performs the handshake with the client. It must not be called
// again for the remainder of the session.
func (m *MessageManager) Initialize() error {
	return m.handshaker.Handshake()
}

// nextMessage reads chunks until one message completes, then dispatches it.
func (m *MessageManager) nextMessage() error {
	msg, err := m.readMessage()
	if err != nil {
		return err
	}
	return m.interpretMessage(msg)
}

func (m *MessageManager) readMessage() (*Message, error) {
	for {
		if len(m.pending) > 0 {
			msg := m.pending[0]
			m.pending = m.pending[1:]
			return msg, nil
		}

		chunk, err := m.chunkReader.ReadChunk()
		if err != nil {
			return nil, err
		}
		m.maybeSendAck()

		csid := chunk.Header.ChunkStreamID
		if chunk.Interrupted {
			if p, exists := m.partials[csid]; exists {
				m.logger.Warnw("full header arrived mid-message; flushing partial accumulator",
					"csid", csid, "collected", p.collected, "expected", p.header.MessageLength)
				m.pending = append(m.pending, p.flush())
				delete(m.partials, csid)
			}
		}

		var p *partialMessage
		if chunk.StartsMessage {
			p = &partialMessage{
				header:  chunk.Header,
				payload: make([]byte, chunk.Header.MessageLength),
			}
			m.partials[csid] = p
		} else {
			var exists bool
			if p, exists = m.partials[csid]; !exists {
				return nil, errors.Wrapf(ErrInvalidChunkHeader, "continuation chunk on chunk stream %d with no message in flight", csid)
			}
		}

		copy(p.payload[p.collected:], chunk.Payload)
		p.collected += uint32(len(chunk.Payload))
		if p.collected == p.header.MessageLength {
			m.pending = append(m.pending, &Message{
				Type:      p.header.MessageType,
				StreamID:  p.header.MessageStreamID,
				Timestamp: p.header.Timestamp,
				Payload:   p.payload,
			})
			delete(m.partials, csid)
		}
	}
}

// maybeSendAck sends an Acknowledgement carrying the running byte total once
// the peer's window worth of bytes has arrived since the last ack.
func (m *MessageManager) maybeSendAck() {
	if m.ackWindowIn == 0 {
		return
	}
	total := m.reader.BytesRead()
	if total-m.lastAckMark >= uint64(m.ackWindowIn) {
		if err := m.sendAck(uint32(total)); err != nil {
			m.logger.Errorw("failed to send acknowledgement", "error", err)
			return
		}
		m.lastAckMark = total
	}
}

func (m *MessageManager) interpretMessage(msg *Message) error {
	switch msg.Type {
	case SetChunkSize, AbortMessage, Acknowledgement, WindowAckSize, SetPeerBandwidth:
		return m.handleControlMessage(msg)
	case UserControl:
		return m.handleUserControlMessage(msg)
	case CommandMessageAMF0, CommandMessageAMF3:
		return m.handleCommandMessage(msg)
	case DataMessageAMF0, DataMessageAMF3, AudioMessage, VideoMessage:
		m.session.onAVMessage(msg)
		return nil
	case SharedObjectMessageAMF0, SharedObjectMessageAMF3:
		m.logger.Infow("ignoring shared object message", "length", len(msg.Payload))
		return nil
	case AggregateMessage:
		m.logger.Infow("ignoring aggregate message", "length", len(msg.Payload))
		return nil
	default:
		m.logger.Warnw("received unknown message type", "type", msg.Type)
		return nil
	}
}

func (m *MessageManager) handleControlMessage(msg *Message) error {
	value, err := payloadUint32(msg.Payload)
	if err != nil {
		return errors.Wrapf(err, "control message type %d", msg.Type)
	}

	switch msg.Type {
	case SetChunkSize:
		// The top bit must be zero; mask it if a peer sets it anyway.
		size := value & 0x7FFFFFFF
		if size == 0 {
			m.logger.Warnw("ignoring set chunk size of zero")
			return nil
		}
		if size > MaxChunkSize {
			size = MaxChunkSize
		}
		m.logger.Debugw("peer set chunk size", "size", size)
		m.chunkReader.SetChunkSize(size)
	case AbortMessage:
		m.logger.Debugw("peer aborted chunk stream", "csid", value)
		m.chunkReader.AbortChunkStream(value)
		delete(m.partials, value)
	case Acknowledgement:
		m.lastAckReceived = value
	case WindowAckSize:
		m.logger.Debugw("peer set acknowledgement window", "size", value)
		m.ackWindowIn = value
	case SetPeerBandwidth:
		if len(msg.Payload) < 5 {
			return errors.Wrapf(ErrInvalidChunkHeader, "set peer bandwidth payload of %d bytes", len(msg.Payload))
		}
		m.peerBandwidth = value
		m.peerBandwidthLimit = msg.Payload[4]
		// Idempotent echo: acknowledge the request with a window of the
		// same size.
		return m.sendWindowAckSize(value)
	}
	return nil
}

func (m *MessageManager) handleUserControlMessage(msg *Message) error {
	if len(msg.Payload) < 2 {
		m.logger.Warnw("user control message too short", "length", len(msg.Payload))
		return nil
	}
	event := binary.BigEndian.Uint16(msg.Payload[:2])
	data := msg.Payload[2:]

	switch event {
	case EventStreamBegin, EventStreamEOF, EventStreamDry, EventStreamIsRecorded:
		streamID, err := payloadUint32(data)
		if err != nil {
			m.logger.Warnw("user control event with short payload", "event", event)
			return nil
		}
		m.logger.Debugw("received stream state event", "event", event, "streamID", streamID)
	case EventSetBufferLength:
		if len(data) < 8 {
			m.logger.Warnw("set buffer length event with short payload", "length", len(data))
			return nil
		}
		streamID := binary.BigEndian.Uint32(data[:4])
		bufferMs := binary.BigEndian.Uint32(data[4:8])
		m.bufferLengths[streamID] = bufferMs
		m.logger.Debugw("peer set buffer length", "streamID", streamID, "ms", bufferMs)
	case EventPingRequest:
		return m.sendUserControl(EventPingResponse, data)
	case EventPingResponse:
		m.outstandingPing = false
	default:
		m.logger.Infow("ignoring user control event", "event", event)
	}
	return nil
}

func (m *MessageManager) handleCommandMessage(msg *Message) error {
	payload := msg.Payload
	if msg.Type == CommandMessageAMF3 {
		if len(payload) == 0 {
			m.session.onCommandDecodeError("", amf0.ErrTruncated)
			return nil
		}
		// An AMF3 command opens with a format selector byte; the body that
		// follows is plain AMF0.
		payload = payload[1:]
	}

	dec := amf0.NewDecoder(payload)
	commandName, err := decodeStringValue(dec)
	if err != nil {
		m.session.onCommandDecodeError("", err)
		return nil
	}
	transactionID, err := decodeNumberValue(dec)
	if err != nil {
		m.session.onCommandDecodeError(commandName, err)
		return nil
	}
	commandObject, err := decodeObjectValue(dec)
	if err != nil {
		m.session.onCommandDecodeError(commandName, err)
		return nil
	}

	switch commandName {
	case "connect":
		m.session.onConnect(transactionID, commandObject)
	case "releaseStream":
		streamName, err := decodeStringValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		m.session.onReleaseStream(transactionID, streamName)
	case "FCPublish":
		streamName, err := decodeStringValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		m.session.onFCPublish(transactionID, streamName)
	case "createStream":
		m.session.onCreateStream(transactionID)
	case "publish":
		streamName, err := decodeStringValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		// Publishing type is "live", "record", or "append". Some encoders
		// omit it; default to live.
		publishingType := "live"
		if dec.More() {
			if publishingType, err = decodeStringValue(dec); err != nil {
				m.session.onCommandDecodeError(commandName, err)
				return nil
			}
		}
		m.session.onPublish(transactionID, streamName, publishingType)
	case "play":
		streamName, err := decodeStringValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		// The spec defines trailing start/duration/reset arguments, but
		// common players omit some or all of them.
		m.session.onPlay(transactionID, streamName)
	case "FCUnpublish":
		streamName, err := decodeStringValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		m.session.onFCUnpublish(streamName)
	case "deleteStream":
		streamID, err := decodeNumberValue(dec)
		if err != nil {
			m.session.onCommandDecodeError(commandName, err)
			return nil
		}
		m.session.onDeleteStream(streamID)
	case "closeStream":
		m.session.onCloseStream(transactionID)
	default:
		m.session.onUnknownCommand(commandName, transactionID)
	}
	return nil
}

// sendCommand encodes values as an AMF0 command body and frames it on the
// command channel.
func (m *MessageManager) sendCommand(streamID uint32, values ...interface{}) error {
	body, err := amf0.EncodeAll(values...)
	if err != nil {
		return err
	}
	return m.chunkWriter.WriteMessage(CommandChannel, &Message{
		Type:     CommandMessageAMF0,
		StreamID: streamID,
		Payload:  body,
	})
}

func (m *MessageManager) sendProtocolMessage(messageType MessageType, payload []byte) error {
	return m.chunkWriter.WriteMessage(ProtocolChannel, &Message{
		Type:    messageType,
		Payload: payload,
	})
}

func (m *MessageManager) sendWindowAckSize(size uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], size)
	if err := m.sendProtocolMessage(WindowAckSize, payload[:]); err != nil {
		return err
	}
	m.ackWindowOut = size
	return nil
}

func (m *MessageManager) sendSetPeerBandwidth(size uint32, limitType uint8) error {
	var payload [5]byte
	binary.BigEndian.PutUint32(payload[:4], size)
	payload[4] = limitType
	return m.sendProtocolMessage(SetPeerBandwidth, payload[:])
}

func (m *MessageManager) sendSetChunkSize(size uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], size)
	if err := m.sendProtocolMessage(SetChunkSize, payload[:]); err != nil {
		return err
	}
	m.chunkWriter.SetChunkSize(size)
	return nil
}

func (m *MessageManager) sendAck(sequenceNumber uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], sequenceNumber)
	return m.sendProtocolMessage(Acknowledgement, payload[:])
}

func (m *MessageManager) sendUserControl(event uint16, data []byte) error {
	payload := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(payload[:2], event)
	copy(payload[2:], data)
	return m.sendProtocolMessage(UserControl, payload)
}

func (m *MessageManager) sendStreamBegin(streamID uint32) error {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], streamID)
	return m.sendUserControl(EventStreamBegin, data[:])
}

func payloadUint32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.Wrapf(ErrInvalidChunkHeader, "expected 4-byte payload, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

func decodeStringValue(dec *amf0.Decoder) (string, error) {
	v, err := dec.Decode()
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("expected string, decoded %T", v)
	}
	return s, nil
}

func decodeNumberValue(dec *amf0.Decoder) (float64, error) {
	v, err := dec.Decode()
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.Errorf("expected number, decoded %T", v)
	}
	return f, nil
}

// decodeObjectValue accepts an Object, an ECMAArray, or Null for the command
// object position.
func decodeObjectValue(dec *amf0.Decoder) (amf0.Object, error) {
	v, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case amf0.Object:
		return v, nil
	case amf0.ECMAArray:
		return amf0.Object(v), nil
	default:
		return nil, errors.Errorf("expected object or null, decoded %T", v)
	}
}
