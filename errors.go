package rtmp

import "errors"

var ErrNilReader = errors.New("expected *bufio.Reader to be non-nil, but got a nil value")
var ErrNilWriter = errors.New("expected *bufio.Writer to be non-nil, but got a nil value")

// Fatal framing errors. Any of these terminates the connection.
var ErrUnsupportedRTMPVersion = errors.New("handshake: the version of RTMP is not supported")
var ErrHandshakeEchoMismatch = errors.New("handshake: s1 and c2 handshake messages do not match")
var ErrInvalidChunkHeader = errors.New("chunk reader: invalid chunk header")
var ErrMessageTooLarge = errors.New("chunk reader: message length exceeds the configured maximum")
