package rtmp

import (
	"encoding/binary"

	"github.com/lightcast/rtmp/internal/binary24"
	"github.com/pkg/errors"
)

// ChunkWriter frames outbound messages into chunks: one type-0 chunk with a
// full header, then type-3 continuation chunks every chunkSize payload
// bytes. Compressed type-1/2 headers are never required for correctness, so
// it does not emit them.
type ChunkWriter struct {
	writer    *Writer
	chunkSize uint32
}

func NewChunkWriter(writer *Writer) *ChunkWriter {
	return &ChunkWriter{
		writer:    writer,
		chunkSize: DefaultChunkSize,
	}
}

// SetChunkSize changes the fragmentation boundary. The caller must have
// announced the new size to the peer with a Set Chunk Size message first.
func (cw *ChunkWriter) SetChunkSize(size uint32) {
	if size == 0 {
		return
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	cw.chunkSize = size
}

func (cw *ChunkWriter) ChunkSize() uint32 {
	return cw.chunkSize
}

// WriteMessage frames m onto csid and flushes, so the message is on the wire
// before the caller resumes reading.
func (cw *ChunkWriter) WriteMessage(csid uint32, m *Message) error {
	if uint64(len(m.Payload)) > uint64(binary24.Max) {
		return errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes cannot be framed", len(m.Payload))
	}

	extended := m.Timestamp >= binary24.Max
	if err := cw.writeBasicHeader(ChunkType0, csid); err != nil {
		return err
	}
	if err := cw.writeType0Header(m, extended); err != nil {
		return err
	}

	payload := m.Payload
	chunkSize := int(cw.chunkSize)
	for first := true; first || len(payload) > 0; first = false {
		if !first {
			if err := cw.writeBasicHeader(ChunkType3, csid); err != nil {
				return err
			}
			// The previous chunk carried an extended timestamp, so this one
			// does too.
			if extended {
				var ext [extendedTimestampLength]byte
				binary.BigEndian.PutUint32(ext[:], m.Timestamp)
				if _, err := cw.writer.Write(ext[:]); err != nil {
					return err
				}
			}
		}
		n := len(payload)
		if n > chunkSize {
			n = chunkSize
		}
		if _, err := cw.writer.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}

	return cw.writer.Flush()
}

// writeBasicHeader picks the shortest basic-header form that can carry csid.
func (cw *ChunkWriter) writeBasicHeader(format ChunkType, csid uint32) error {
	fmtBits := byte(format) << 6
	switch {
	case csid < 2:
		return errors.Wrapf(ErrInvalidChunkHeader, "chunk stream id %d is reserved", csid)
	case csid < 64:
		return cw.writer.WriteByte(fmtBits | byte(csid))
	case csid < 320:
		if err := cw.writer.WriteByte(fmtBits); err != nil {
			return err
		}
		return cw.writer.WriteByte(byte(csid - 64))
	case csid < 65600:
		id := csid - 64
		if err := cw.writer.WriteByte(fmtBits | 1); err != nil {
			return err
		}
		if err := cw.writer.WriteByte(byte(id)); err != nil {
			return err
		}
		return cw.writer.WriteByte(byte(id >> 8))
	default:
		return errors.Wrapf(ErrInvalidChunkHeader, "chunk stream id %d out of range", csid)
	}
}

func (cw *ChunkWriter) writeType0Header(m *Message, extended bool) error {
	var header [chunkType0MessageHeaderLength]byte
	if extended {
		binary24.BigEndian.PutUint24(header[0:3], binary24.Max)
	} else {
		binary24.BigEndian.PutUint24(header[0:3], m.Timestamp)
	}
	binary24.BigEndian.PutUint24(header[3:6], uint32(len(m.Payload)))
	header[6] = byte(m.Type)
	// The message stream id is the one little-endian field in RTMP.
	binary.LittleEndian.PutUint32(header[7:11], m.StreamID)
	if _, err := cw.writer.Write(header[:]); err != nil {
		return err
	}
	if extended {
		var ext [extendedTimestampLength]byte
		binary.BigEndian.PutUint32(ext[:], m.Timestamp)
		if _, err := cw.writer.Write(ext[:]); err != nil {
			return err
		}
	}
	return nil
}
