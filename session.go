package rtmp

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/lightcast/rtmp/amf/amf0"
	"github.com/lightcast/rtmp/audio"
	"github.com/lightcast/rtmp/config"
	"github.com/lightcast/rtmp/rand"
	"github.com/lightcast/rtmp/video"
	"go.uber.org/zap"
)

// Handler is the consumer interface: the engine raises these callbacks
// synchronously from the connection's goroutine. A callback that blocks
// stalls the connection's read path, which propagates backpressure to the
// publisher through TCP flow control. Returning an error from OnConnect,
// OnPublish, or OnPlay rejects the operation; the peer gets an _error or
// onStatus rejection and the connection stays open.
type Handler interface {
	OnConnect(sessionID string, app string, tcURL string, objectEncoding float64) error
	OnPublish(sessionID string, streamName string, publishingType string) error
	OnPlay(sessionID string, streamName string) error
	// OnAVMessage receives every audio, video, and data message of a
	// publishing stream. The message's payload is owned by the engine and
	// must be copied if retained past the callback.
	OnAVMessage(sessionID string, msg *Message)
	OnClose(sessionID string, reason error)
}

type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateConnected
	statePublishing
	statePlaying
	stateClosing
)

// Session drives one accepted connection: handshake, message loop, and the
// NetConnection/NetStream command state machine. All of its state is owned
// by the goroutine running Run.
type Session struct {
	logger         *zap.SugaredLogger
	sessionID      string
	conn           net.Conn
	handler        Handler
	cfg            *config.Config
	messageManager *MessageManager

	state          sessionState
	app            string
	tcURL          string
	objectEncoding float64
	streamKey      string
	publishingType string

	// nextStreamID is handed out by createStream; ids are positive and
	// monotonically increasing per connection.
	nextStreamID    uint32
	currentStreamID uint32

	readTimeout time.Duration

	// sendErr records the first write failure so the read loop can
	// terminate the connection.
	sendErr error

	loggedAudio bool
	loggedVideo bool
}

func NewSession(logger *zap.Logger, conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, handler Handler, cfg *config.Config) (*Session, error) {
	r, err := NewReader(reader)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(writer)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}

	session := &Session{
		sessionID:    rand.GenerateSessionID(),
		conn:         conn,
		handler:      handler,
		cfg:          cfg,
		state:        stateConnecting,
		nextStreamID: 1,
		readTimeout:  time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
	}
	session.logger = logger.Sugar().With("sessionID", session.sessionID)

	handshaker := NewHandshaker(session.logger, r, w)
	chunkReader := NewChunkReader(r, cfg.MaxMessageSize)
	chunkWriter := NewChunkWriter(w)
	session.messageManager = NewMessageManager(session.logger, session, handshaker, r, chunkReader, chunkWriter)
	return session, nil
}

func (s *Session) ID() string {
	return s.sessionID
}

// Run performs the handshake and processes messages until the peer
// disconnects or a fatal protocol error occurs. It always invokes the
// handler's OnClose exactly once before returning.
func (s *Session) Run() (err error) {
	defer func() {
		s.state = stateClosing
		if s.handler != nil {
			s.handler.OnClose(s.sessionID, err)
		}
	}()

	s.armReadDeadline()
	if err = s.messageManager.Initialize(); err != nil {
		return err
	}
	s.logger.Debug("handshake completed")

	for {
		s.armReadDeadline()
		if err = s.messageManager.nextMessage(); err != nil {
			if err == io.EOF {
				// The peer hung up between messages; a normal close.
				err = nil
			}
			return err
		}
		if s.sendErr != nil {
			err = s.sendErr
			return err
		}
	}
}

func (s *Session) armReadDeadline() {
	if s.readTimeout > 0 && s.conn != nil {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.Warnw("failed to set read deadline", "error", err)
		}
	}
}

// send records the first write failure; the read loop tears the connection
// down when it sees one.
func (s *Session) send(err error) {
	if err != nil && s.sendErr == nil {
		s.sendErr = err
		s.logger.Errorw("failed to write reply", "error", err)
	}
}

func (s *Session) sendStatus(streamID uint32, level, code, description string, details ...string) {
	info := amf0.Object{
		{Key: "level", Value: level},
		{Key: "code", Value: code},
		{Key: "description", Value: description},
	}
	for _, d := range details {
		info = append(info, amf0.Property{Key: "details", Value: d})
	}
	// Server-initiated notifications use transaction id 0 and a null
	// command object.
	s.send(s.messageManager.sendCommand(streamID, "onStatus", float64(0), nil, info))
}

func (s *Session) sendError(transactionID float64, code, description string) {
	info := amf0.Object{
		{Key: "level", Value: "error"},
		{Key: "code", Value: code},
		{Key: "description", Value: description},
	}
	s.send(s.messageManager.sendCommand(0, "_error", transactionID, nil, info))
}

func (s *Session) onConnect(transactionID float64, commandObject amf0.Object) {
	if s.state != stateConnecting {
		s.logger.Warnw("connect in unexpected state", "state", s.state)
		s.sendError(transactionID, "NetConnection.Connect.Rejected", "connection already established")
		return
	}

	s.app, _ = commandObject.GetString("app")
	s.tcURL, _ = commandObject.GetString("tcUrl")
	if objectEncoding, ok := commandObject.GetNumber("objectEncoding"); ok {
		s.objectEncoding = objectEncoding
	}
	s.logger.Infow("connect", "app", s.app, "tcUrl", s.tcURL, "objectEncoding", s.objectEncoding)

	if s.handler != nil {
		if err := s.handler.OnConnect(s.sessionID, s.app, s.tcURL, s.objectEncoding); err != nil {
			s.logger.Infow("connect rejected by handler", "error", err)
			s.sendError(transactionID, "NetConnection.Connect.Rejected", err.Error())
			return
		}
	}

	s.send(s.messageManager.sendWindowAckSize(s.cfg.WindowAckSize))
	s.send(s.messageManager.sendSetPeerBandwidth(s.cfg.PeerBandwidth, s.cfg.LimitTypeByte()))
	s.send(s.messageManager.sendStreamBegin(0))
	s.send(s.messageManager.sendSetChunkSize(s.cfg.ChunkSizeOut))

	properties := amf0.Object{
		{Key: "fmsVer", Value: config.FlashMediaServerVersion},
		{Key: "capabilities", Value: float64(config.Capabilities)},
		{Key: "mode", Value: float64(config.Mode)},
	}
	information := amf0.Object{
		{Key: "level", Value: "status"},
		{Key: "code", Value: "NetConnection.Connect.Success"},
		{Key: "description", Value: "Connection succeeded."},
		{Key: "objectEncoding", Value: s.objectEncoding},
	}
	s.send(s.messageManager.sendCommand(0, "_result", transactionID, properties, information))
	s.state = stateConnected
}

func (s *Session) onCreateStream(transactionID float64) {
	if s.state == stateConnecting {
		s.sendError(transactionID, "NetConnection.Call.Failed", "createStream before connect")
		return
	}
	streamID := s.nextStreamID
	s.nextStreamID++
	s.currentStreamID = streamID
	s.logger.Debugw("createStream", "streamID", streamID)
	s.send(s.messageManager.sendCommand(0, "_result", transactionID, nil, float64(streamID)))
}

func (s *Session) onReleaseStream(transactionID float64, streamName string) {
	s.logger.Debugw("releaseStream", "streamName", streamName)
	s.send(s.messageManager.sendCommand(0, "_result", transactionID, nil, nil))
}

func (s *Session) onFCPublish(transactionID float64, streamName string) {
	s.logger.Debugw("FCPublish", "streamName", streamName)
	s.send(s.messageManager.sendCommand(0, "_result", transactionID, nil, nil))
}

func (s *Session) onPublish(transactionID float64, streamName string, publishingType string) {
	if s.state != stateConnected {
		s.logger.Warnw("publish in unexpected state", "state", s.state)
		s.sendError(transactionID, "NetConnection.Call.Failed", "publish requires an established connection")
		return
	}
	streamID := s.currentStreamID
	if streamID == 0 {
		// Some encoders publish without createStream; tolerate it.
		streamID = s.nextStreamID
		s.nextStreamID++
		s.currentStreamID = streamID
	}

	if s.handler != nil {
		if err := s.handler.OnPublish(s.sessionID, streamName, publishingType); err != nil {
			s.logger.Infow("publish rejected by handler", "streamName", streamName, "error", err)
			s.sendStatus(streamID, "error", "NetStream.Publish.BadName", err.Error(), streamName)
			return
		}
	}

	s.streamKey = streamName
	s.publishingType = publishingType
	s.logger.Infow("publish", "streamName", streamName, "type", publishingType, "streamID", streamID)

	s.send(s.messageManager.sendStreamBegin(streamID))
	s.sendStatus(streamID, "status", "NetStream.Publish.Start", "Started publishing "+streamName+".", streamName)
	s.state = statePublishing
}

func (s *Session) onPlay(transactionID float64, streamName string) {
	if s.state != stateConnected {
		s.logger.Warnw("play in unexpected state", "state", s.state)
		s.sendError(transactionID, "NetConnection.Call.Failed", "play requires an established connection")
		return
	}
	streamID := s.currentStreamID
	if streamID == 0 {
		streamID = s.nextStreamID
		s.nextStreamID++
		s.currentStreamID = streamID
	}

	if s.handler != nil {
		if err := s.handler.OnPlay(s.sessionID, streamName); err != nil {
			s.logger.Infow("play rejected by handler", "streamName", streamName, "error", err)
			s.sendStatus(streamID, "error", "NetStream.Play.StreamNotFound", err.Error(), streamName)
			return
		}
	}

	s.streamKey = streamName
	s.logger.Infow("play", "streamName", streamName, "streamID", streamID)

	s.send(s.messageManager.sendStreamBegin(streamID))
	s.sendStatus(streamID, "status", "NetStream.Play.Start", "Started playing "+streamName+".", streamName)
	s.state = statePlaying
}

func (s *Session) onFCUnpublish(streamName string) {
	s.logger.Debugw("FCUnpublish", "streamName", streamName)
}

func (s *Session) onDeleteStream(streamID float64) {
	s.logger.Debugw("deleteStream", "streamID", streamID)
	s.releaseStream()
}

func (s *Session) onCloseStream(transactionID float64) {
	s.logger.Debugw("closeStream")
	s.releaseStream()
}

func (s *Session) releaseStream() {
	if s.state == statePublishing || s.state == statePlaying {
		s.state = stateConnected
	}
	s.streamKey = ""
	s.publishingType = ""
	s.currentStreamID = 0
}

func (s *Session) onUnknownCommand(commandName string, transactionID float64) {
	s.logger.Infow("received command with no implementation", "command", commandName, "transactionID", transactionID)
}

func (s *Session) onCommandDecodeError(commandName string, err error) {
	s.logger.Warnw("failed to decode command message", "command", commandName, "error", err)
	s.sendError(0, "NetConnection.Call.Failed", "malformed command")
}

func (s *Session) onAVMessage(msg *Message) {
	if s.state != statePublishing {
		s.logger.Debugw("dropping media message outside of publishing state", "type", msg.Type)
		return
	}
	switch msg.Type {
	case AudioMessage:
		if !s.loggedAudio {
			if h, ok := audio.ParseTagHeader(msg.Payload); ok {
				s.logger.Infow("first audio message", "format", h.Format.String(), "streamName", s.streamKey)
			}
			s.loggedAudio = true
		}
	case VideoMessage:
		if !s.loggedVideo {
			if h, ok := video.ParseTagHeader(msg.Payload); ok {
				s.logger.Infow("first video message", "codec", h.Codec.String(), "streamName", s.streamKey)
			}
			s.loggedVideo = true
		}
	}
	if s.handler != nil {
		s.handler.OnAVMessage(s.sessionID, msg)
	}
}
