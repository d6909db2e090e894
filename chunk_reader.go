package rtmp

import (
	"encoding/binary"

	"github.com/lightcast/rtmp/internal/binary24"
	"github.com/pkg/errors"
)

// ChunkReader parses the inbound chunk stream: basic headers, the four
// message header formats, extended timestamps, and per-chunk-stream header
// decompression. It owns the inbound chunk size and a scratch payload buffer
// shared by all chunk streams.
type ChunkReader struct {
	reader         *Reader
	contexts       map[uint32]*chunkStreamContext
	chunkSize      uint32
	maxMessageSize uint32
	scratch        []byte
}

func NewChunkReader(reader *Reader, maxMessageSize uint32) *ChunkReader {
	return &ChunkReader{
		reader:         reader,
		contexts:       make(map[uint32]*chunkStreamContext),
		chunkSize:      DefaultChunkSize,
		maxMessageSize: maxMessageSize,
		scratch:        make([]byte, DefaultChunkSize),
	}
}

// SetChunkSize changes the inbound chunk size. Only receipt of a peer
// Set Chunk Size message should drive this.
func (cr *ChunkReader) SetChunkSize(size uint32) {
	if size == 0 {
		return
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	cr.chunkSize = size
}

func (cr *ChunkReader) ChunkSize() uint32 {
	return cr.chunkSize
}

// AbortChunkStream discards the in-flight message state on one chunk stream,
// in response to an Abort message.
func (cr *ChunkReader) AbortChunkStream(csid uint32) {
	if ctx, exists := cr.contexts[csid]; exists {
		ctx.remaining = 0
	}
}

// ReadChunk reads one chunk: basic header, format-specific message header,
// optional extended timestamp, and payload. The returned payload slice is
// borrowed and valid only until the next call.
func (cr *ChunkReader) ReadChunk() (Chunk, error) {
	format, csid, err := cr.readBasicHeader()
	if err != nil {
		return Chunk{}, err
	}

	ctx, exists := cr.contexts[csid]
	if !exists {
		if format != ChunkType0 {
			return Chunk{}, errors.Wrapf(ErrInvalidChunkHeader,
				"chunk type %d on chunk stream %d with no previous full header", format, csid)
		}
		ctx = &chunkStreamContext{}
		cr.contexts[csid] = ctx
	}

	chunk := Chunk{Header: ChunkHeader{Format: format, ChunkStreamID: csid}}

	switch format {
	case ChunkType0:
		err = cr.readType0Header(ctx, &chunk)
	case ChunkType1:
		err = cr.readType1Header(ctx, &chunk)
	case ChunkType2:
		err = cr.readType2Header(ctx, &chunk)
	case ChunkType3:
		err = cr.applyType3Header(ctx, &chunk)
	}
	if err != nil {
		return Chunk{}, err
	}

	if chunk.StartsMessage {
		if ctx.messageLength > cr.maxMessageSize {
			return Chunk{}, errors.Wrapf(ErrMessageTooLarge, "message length %d on chunk stream %d", ctx.messageLength, csid)
		}
		ctx.remaining = ctx.messageLength
	}

	payloadLength := ctx.remaining
	if payloadLength > cr.chunkSize {
		payloadLength = cr.chunkSize
	}
	if uint32(len(cr.scratch)) < payloadLength {
		cr.scratch = make([]byte, payloadLength)
	}
	payload := cr.scratch[:payloadLength]
	if payloadLength > 0 {
		if _, err := cr.reader.Read(payload); err != nil {
			return Chunk{}, err
		}
	}
	ctx.remaining -= payloadLength

	chunk.Payload = payload
	chunk.Remaining = ctx.remaining
	chunk.Header.Timestamp = ctx.timestamp
	chunk.Header.TimestampDelta = ctx.timestampDelta
	chunk.Header.MessageLength = ctx.messageLength
	chunk.Header.MessageType = ctx.messageType
	chunk.Header.MessageStreamID = ctx.messageStreamID
	return chunk, nil
}

// readBasicHeader reads the 1-3 byte basic header. Compact csid values 0 and
// 1 select the 2- and 3-byte forms; the 3-byte form stores the id
// little-endian.
func (cr *ChunkReader) readBasicHeader() (ChunkType, uint32, error) {
	b, err := cr.reader.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	format := ChunkType(b >> 6)
	csid := uint32(b & 0x3F)

	switch csid {
	case 0:
		id, err := cr.reader.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		csid = uint32(id) + 64
	case 1:
		var id [2]byte
		if _, err := cr.reader.Read(id[:]); err != nil {
			return 0, 0, err
		}
		csid = uint32(id[0]) + uint32(id[1])<<8 + 64
	}
	return format, csid, nil
}

// readType0Header reads the 11-byte full header: absolute timestamp, length,
// type, and the message stream id — the one little-endian integer in RTMP.
func (cr *ChunkReader) readType0Header(ctx *chunkStreamContext, chunk *Chunk) error {
	var header [chunkType0MessageHeaderLength]byte
	if _, err := cr.reader.Read(header[:]); err != nil {
		return err
	}

	timestamp := binary24.BigEndian.Uint24(header[0:3])
	ctx.messageLength = binary24.BigEndian.Uint24(header[3:6])
	ctx.messageType = MessageType(header[6])
	ctx.messageStreamID = binary.LittleEndian.Uint32(header[7:11])

	extended := timestamp == binary24.Max
	if extended {
		var err error
		if timestamp, err = cr.readExtendedTimestamp(); err != nil {
			return err
		}
	}
	ctx.timestamp = timestamp
	// A type-3 chunk starting a new message after this one reuses the
	// absolute timestamp as its delta.
	ctx.timestampDelta = timestamp
	ctx.hasExtended = extended

	if ctx.remaining > 0 {
		chunk.Interrupted = true
	}
	chunk.StartsMessage = true
	return nil
}

// readType1Header reads the 7-byte header: timestamp delta, length, type;
// the message stream id is inherited.
func (cr *ChunkReader) readType1Header(ctx *chunkStreamContext, chunk *Chunk) error {
	var header [chunkType1MessageHeaderLength]byte
	if _, err := cr.reader.Read(header[:]); err != nil {
		return err
	}

	delta := binary24.BigEndian.Uint24(header[0:3])
	ctx.messageLength = binary24.BigEndian.Uint24(header[3:6])
	ctx.messageType = MessageType(header[6])

	extended := delta == binary24.Max
	if extended {
		var err error
		if delta, err = cr.readExtendedTimestamp(); err != nil {
			return err
		}
	}
	ctx.timestamp += delta
	ctx.timestampDelta = delta
	ctx.hasExtended = extended

	if ctx.remaining > 0 {
		chunk.Interrupted = true
	}
	chunk.StartsMessage = true
	return nil
}

// readType2Header reads the 3-byte header: timestamp delta only.
func (cr *ChunkReader) readType2Header(ctx *chunkStreamContext, chunk *Chunk) error {
	var header [chunkType2MessageHeaderLength]byte
	if _, err := cr.reader.Read(header[:]); err != nil {
		return err
	}

	delta := binary24.BigEndian.Uint24(header[0:3])
	extended := delta == binary24.Max
	if extended {
		var err error
		if delta, err = cr.readExtendedTimestamp(); err != nil {
			return err
		}
	}
	ctx.timestamp += delta
	ctx.timestampDelta = delta
	ctx.hasExtended = extended

	if ctx.remaining > 0 {
		chunk.Interrupted = true
	}
	chunk.StartsMessage = true
	return nil
}

// applyType3Header handles the headerless chunk. Mid-message it continues the
// in-flight message without touching the timestamp; between messages it
// starts a new one at last timestamp + last delta. Either way it carries an
// extended timestamp iff the previous chunk on this chunk stream did.
func (cr *ChunkReader) applyType3Header(ctx *chunkStreamContext, chunk *Chunk) error {
	if ctx.hasExtended {
		ext, err := cr.readExtendedTimestamp()
		if err != nil {
			return err
		}
		if ctx.remaining == 0 {
			ctx.timestampDelta = ext
		}
	}
	if ctx.remaining == 0 {
		ctx.timestamp += ctx.timestampDelta
		chunk.StartsMessage = true
	}
	return nil
}

func (cr *ChunkReader) readExtendedTimestamp() (uint32, error) {
	var ext [extendedTimestampLength]byte
	if _, err := cr.reader.Read(ext[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(ext[:]), nil
}
