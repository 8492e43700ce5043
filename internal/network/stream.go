package network

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"okufs/internal/ids"
)

// Stream is one tagged protocol exchange with a peer.
type Stream struct {
	stream *quic.Stream  // stream is the underlying QUIC stream
	r      *bufio.Reader // r buffers reads past the tag line
	peer   *Peer         // peer is the remote end
}

func newStream(stream *quic.Stream, peer *Peer) *Stream {
	return &Stream{stream: stream, r: bufio.NewReader(stream), peer: peer}
}

// Remote returns the id and address of the other end.
func (s *Stream) Remote() ids.NodeAddr {
	return s.peer.NodeAddr()
}

// Peer returns the connection the stream belongs to.
func (s *Stream) Peer() *Peer {
	return s.peer
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// ReadLine reads one newline-terminated line and returns it without the newline.
func (s *Stream) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// WriteLine writes line followed by a newline.
func (s *Stream) WriteLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("line contains newline")
	}

	_, err := io.WriteString(s.stream, line+"\n")
	return err
}

// CloseWrite closes the send side; the remote reads EOF.
func (s *Stream) CloseWrite() error {
	return s.stream.Close()
}

// Close closes the send side and abandons anything left to read.
func (s *Stream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// SetDeadline sets the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}
