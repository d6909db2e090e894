package rtmp

import "github.com/lightcast/rtmp/internal/binary24"

type ChunkType uint8

const (
	ChunkType0 ChunkType = iota
	ChunkType1
	ChunkType2
	ChunkType3
)

const (
	chunkType0MessageHeaderLength = 11
	chunkType1MessageHeaderLength = 7
	chunkType2MessageHeaderLength = 3

	extendedTimestampLength = 4
)

// DefaultChunkSize is the chunk size both sides start with, per the spec.
const DefaultChunkSize uint32 = 128

// MaxChunkSize caps any Set Chunk Size value; the field is 31 bits on the
// wire but the protocol limits it to what a 24-bit message length can carry.
const MaxChunkSize = binary24.Max

// ChunkHeader is the decompressed view of one received chunk header: every
// field is absolute, with inherited values already merged in from the chunk
// stream's context.
type ChunkHeader struct {
	Format        ChunkType
	ChunkStreamID uint32
	// Timestamp is the absolute message timestamp after extended-timestamp
	// folding and delta accumulation.
	Timestamp       uint32
	TimestampDelta  uint32
	MessageLength   uint32
	MessageType     MessageType
	MessageStreamID uint32
}

// Chunk is the transient record handed from the chunk reader to the message
// layer. Payload is borrowed from the reader's scratch buffer and is only
// valid until the next ReadChunk call.
type Chunk struct {
	Header  ChunkHeader
	Payload []byte
	// StartsMessage is true when this chunk opens a new message rather than
	// continuing the one in flight on its chunk stream.
	StartsMessage bool
	// Interrupted is true when a chunk with a type 0, 1, or 2 header arrived
	// while a message was still being assembled on the same chunk stream.
	// The message layer flushes the stale accumulator before processing this
	// chunk.
	Interrupted bool
	// Remaining is the number of payload bytes of the message still to come
	// after this chunk.
	Remaining uint32
}

// chunkStreamContext memoises the last full header seen on one chunk stream
// so that type 1/2/3 headers can be decompressed, and tracks how much of the
// in-flight message is still owed.
type chunkStreamContext struct {
	timestamp       uint32
	timestampDelta  uint32
	messageLength   uint32
	messageType     MessageType
	messageStreamID uint32
	// hasExtended records whether the previous chunk carried an extended
	// timestamp; a following type-3 chunk carries one iff it did.
	hasExtended bool
	// remaining is 0 when no message is in flight on this chunk stream.
	remaining uint32
}
