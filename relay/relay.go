// Package relay is the reference consumer of the protocol engine: it keeps a
// registry of publishing streams, routes each one to its configured
// destinations, and fans every audio/video/data message out to the stream's
// sinks. Pushing to a remote RTMP endpoint is left to the Sink
// implementation (typically an external transcoder process).
package relay

import (
	"sync"

	rtmp "github.com/lightcast/rtmp"
	"github.com/lightcast/rtmp/audio"
	"github.com/lightcast/rtmp/video"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Wildcard routes streams that have no destination entry of their own.
const Wildcard = "*"

var ErrStreamNotFound = errors.New("relay: stream not found")
var ErrDuplicateStream = errors.New("relay: stream name is already being published")

// Sink receives the messages of one stream, in arrival order. SendMessage is
// called from the publisher's connection goroutine; a blocking sink slows
// the publisher down through TCP flow control.
type Sink interface {
	ID() string
	SendMessage(msg *rtmp.Message) error
	Close() error
}

// SinkFactory opens a sink towards one destination URL for a named stream.
type SinkFactory func(destURL string, streamName string) (Sink, error)

type stream struct {
	name      string
	sessionID string
	sinks     []Sink
	// Sequence headers are cached so late-attached sinks can decode from
	// the next keyframe.
	aacSequenceHeader *rtmp.Message
	avcSequenceHeader *rtmp.Message
	messages          uint64
}

// Hub implements rtmp.Handler. One Hub serves every connection of a server;
// all methods are safe for concurrent use.
type Hub struct {
	logger      *zap.SugaredLogger
	sinkFactory SinkFactory

	mu           sync.RWMutex
	destinations map[string][]string
	// streams by name, sessions by publishing connection.
	streams  map[string]*stream
	sessions map[string]*stream
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:       logger.Sugar().With("component", "relay"),
		destinations: make(map[string][]string),
		streams:      make(map[string]*stream),
		sessions:     make(map[string]*stream),
	}
}

// SetSinkFactory installs the factory used to open sinks for each
// destination URL when a stream starts publishing.
func (h *Hub) SetSinkFactory(f SinkFactory) {
	h.mu.Lock()
	h.sinkFactory = f
	h.mu.Unlock()
}

// AddDestination routes streamName (or the wildcard) to destURLs.
func (h *Hub) AddDestination(streamName string, destURLs []string) {
	h.mu.Lock()
	h.destinations[streamName] = destURLs
	h.mu.Unlock()
}

// destinationsFor resolves the destination list for a stream, falling back
// to the wildcard entry.
func (h *Hub) destinationsFor(streamName string) []string {
	if urls, ok := h.destinations[streamName]; ok {
		return urls
	}
	return h.destinations[Wildcard]
}

// StreamExists reports whether a publisher currently owns streamName.
func (h *Hub) StreamExists(streamName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.streams[streamName]
	return exists
}

// AttachSink subscribes an extra sink to a live stream. Cached sequence
// headers are replayed first so the sink can start decoding.
func (h *Hub) AttachSink(streamName string, sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, exists := h.streams[streamName]
	if !exists {
		return ErrStreamNotFound
	}
	if st.avcSequenceHeader != nil {
		if err := sink.SendMessage(st.avcSequenceHeader); err != nil {
			return err
		}
	}
	if st.aacSequenceHeader != nil {
		if err := sink.SendMessage(st.aacSequenceHeader); err != nil {
			return err
		}
	}
	st.sinks = append(st.sinks, sink)
	return nil
}

// OnConnect admits every application; the engine has already parsed the
// connect command.
func (h *Hub) OnConnect(sessionID string, app string, tcURL string, objectEncoding float64) error {
	h.logger.Infow("publisher connected", "sessionID", sessionID, "app", app, "tcUrl", tcURL)
	return nil
}

// OnPublish registers the stream and opens a sink per destination URL.
// Publishing a name that is already live is rejected.
func (h *Hub) OnPublish(sessionID string, streamName string, publishingType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.streams[streamName]; exists {
		return ErrDuplicateStream
	}

	st := &stream{name: streamName, sessionID: sessionID}
	destURLs := h.destinationsFor(streamName)
	if len(destURLs) == 0 {
		h.logger.Warnw("no destination urls configured for stream", "streamName", streamName)
	}
	if h.sinkFactory != nil {
		for _, destURL := range destURLs {
			sink, err := h.sinkFactory(destURL, streamName)
			if err != nil {
				h.logger.Errorw("failed to open sink", "destURL", destURL, "streamName", streamName, "error", err)
				continue
			}
			st.sinks = append(st.sinks, sink)
		}
	}

	h.streams[streamName] = st
	h.sessions[sessionID] = st
	h.logger.Infow("publishing started", "streamName", streamName, "type", publishingType, "sinks", len(st.sinks))
	return nil
}

// OnPlay is not served by the relay; playback clients belong on the
// destination servers.
func (h *Hub) OnPlay(sessionID string, streamName string) error {
	return errors.Errorf("relay: stream %s is not playable here", streamName)
}

// OnAVMessage fans one message out to every sink of the publisher's stream.
// A failing sink is dropped.
func (h *Hub) OnAVMessage(sessionID string, msg *rtmp.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, exists := h.sessions[sessionID]
	if !exists {
		return
	}
	st.messages++

	switch msg.Type {
	case rtmp.AudioMessage:
		if audio.IsSequenceHeader(msg.Payload) {
			st.aacSequenceHeader = copyMessage(msg)
		}
	case rtmp.VideoMessage:
		if video.IsSequenceHeader(msg.Payload) {
			st.avcSequenceHeader = copyMessage(msg)
		}
	}

	kept := st.sinks[:0]
	for _, sink := range st.sinks {
		if err := sink.SendMessage(msg); err != nil {
			h.logger.Warnw("dropping sink after send error", "sink", sink.ID(), "streamName", st.name, "error", err)
			_ = sink.Close()
			continue
		}
		kept = append(kept, sink)
	}
	st.sinks = kept
}

// OnClose releases the connection's stream and closes its sinks.
func (h *Hub) OnClose(sessionID string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, exists := h.sessions[sessionID]
	if !exists {
		return
	}
	delete(h.sessions, sessionID)
	delete(h.streams, st.name)
	for _, sink := range st.sinks {
		if err := sink.Close(); err != nil {
			h.logger.Warnw("error closing sink", "sink", sink.ID(), "error", err)
		}
	}
	h.logger.Infow("publishing stopped", "streamName", st.name, "messages", st.messages, "reason", reason)
}

// copyMessage snapshots a message whose payload the engine may reuse.
func copyMessage(msg *rtmp.Message) *rtmp.Message {
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	return &rtmp.Message{
		Type:      msg.Type,
		StreamID:  msg.StreamID,
		Timestamp: msg.Timestamp,
		Payload:   payload,
	}
}
