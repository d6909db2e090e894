package rtmp

import (
	"bytes"

	"github.com/lightcast/rtmp/rand"
	"go.uber.org/zap"
)

const RtmpVersion3 = 3

const (
	handshakePayloadSize = 1536
	handshakeRandomSize  = 1528
)

type handshakeState uint8

const (
	handshakeUninitialized handshakeState = iota
	handshakeVersionSent
	handshakeAckSent
	handshakeDone
)

// Handshaker runs the server side of the simple "version 3, zero-epoch"
// handshake: C0/S0 exchange the version byte, S1 carries our random block,
// S2 echoes C1, and C2 must echo S1 byte for byte.
type Handshaker struct {
	logger *zap.SugaredLogger
	reader *Reader
	writer *Writer
	state  handshakeState

	// s1 is remembered in full (epoch + zero + random) to validate the C2 echo.
	s1 [handshakePayloadSize]byte
}

func NewHandshaker(logger *zap.SugaredLogger, reader *Reader, writer *Writer) *Handshaker {
	return &Handshaker{
		logger: logger,
		reader: reader,
		writer: writer,
		state:  handshakeUninitialized,
	}
}

// Handshake performs the full C0/S0, C1/S1, C2/S2 exchange. It must be called
// exactly once, before any chunk is read. On return with a nil error the
// connection is in chunked mode.
func (h *Handshaker) Handshake() error {
	if err := h.exchangeVersions(); err != nil {
		return err
	}
	if err := h.readC1SendS2(); err != nil {
		return err
	}
	return h.verifyC2()
}

// exchangeVersions reads C0 and answers with S0 followed by S1.
func (h *Handshaker) exchangeVersions() error {
	c0, err := h.reader.ReadByte()
	if err != nil {
		return err
	}
	if c0 != RtmpVersion3 {
		return ErrUnsupportedRTMPVersion
	}

	// S1: zero epoch, zero reserved field, 1528 random bytes.
	if err := rand.Fill(h.s1[8:]); err != nil {
		return err
	}
	if err := h.writer.WriteByte(RtmpVersion3); err != nil {
		return err
	}
	if _, err := h.writer.Write(h.s1[:]); err != nil {
		return err
	}
	if err := h.writer.Flush(); err != nil {
		return err
	}
	h.state = handshakeVersionSent
	return nil
}

// readC1SendS2 reads the peer's C1 block and answers with
// S2 = C1.time || C1.time || C1.random.
func (h *Handshaker) readC1SendS2() error {
	c1 := make([]byte, handshakePayloadSize)
	if _, err := h.reader.Read(c1); err != nil {
		return err
	}
	if c1[4] != 0 || c1[5] != 0 || c1[6] != 0 || c1[7] != 0 {
		h.logger.Warnw("c1 reserved field is not zero", "bytes", c1[4:8])
	}

	var s2 [handshakePayloadSize]byte
	copy(s2[0:4], c1[0:4])
	copy(s2[4:8], c1[0:4])
	copy(s2[8:], c1[8:])
	if _, err := h.writer.Write(s2[:]); err != nil {
		return err
	}
	if err := h.writer.Flush(); err != nil {
		return err
	}
	h.state = handshakeAckSent
	return nil
}

// verifyC2 reads C2 and checks it echoes S1.
func (h *Handshaker) verifyC2() error {
	c2 := make([]byte, handshakePayloadSize)
	if _, err := h.reader.Read(c2); err != nil {
		return err
	}
	if !bytes.Equal(c2, h.s1[:]) {
		return ErrHandshakeEchoMismatch
	}
	h.state = handshakeDone
	return nil
}
