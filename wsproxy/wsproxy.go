package wsproxy

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// relay copies every message read on sd to the other socket, preserving the
// message type and payload. Messages read while the session is not active
// are dropped. Any read or write error ends the session.
func (s *Session) relay(sd side) {
	defer s.goroutines.Done()
	src := s.conn(sd)
	for {
		mtype, reader, err := src.NextReader()
		if err != nil {
			s.readFailed(sd, err)
			return
		}
		s.touch()

		dest := s.peer(sd)
		if dest == nil {
			// NextReader discards the unread message
			continue
		}

		writer, err := dest.NextWriter(mtype)
		if err != nil {
			s.endOnError(sd.other(), "write", err)
			return
		}
		_, err = io.Copy(writer, reader)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			s.endOnError(sd.other(), "write", err)
			return
		}
	}
}

func (sd side) other() side {
	if sd == clientSide {
		return upstreamSide
	}
	return clientSide
}

// readFailed ends the session after NextReader on sd returned err.
func (s *Session) readFailed(sd side, err error) {
	var ce *controlError
	if errors.As(err, &ce) {
		// sd itself is fine; forwarding one of its control frames failed
		s.endOnError(ce.failed, "control write", ce.err)
		return
	}
	s.markDone(sd)
	s.endOnError(sd, "read", err)
}

// endOnError shuts the session down in response to an I/O error on sd.
func (s *Session) endOnError(sd side, op string, err error) {
	if s.State() == Closed {
		// our own teardown closed the socket under the reader
		return
	}
	trigger := sd.String() + " closed"
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		trigger = sd.String() + " error"
		s.logger.WithError(err).Warnf("%s %s failed", sd, op)
	}
	s.shutdown(trigger, websocket.CloseNormalClosure, "")
}

// controlHandler forwards ping and pong frames received on sd to the other
// socket. Before the session is active pings are answered locally.
func (s *Session) controlHandler(messageType int, sd side) func(string) error {
	return func(appData string) error {
		s.touch()
		deadline := time.Now().Add(controlWriteWait)
		if dest := s.peer(sd); dest != nil {
			if err := ignoreClosed(dest.WriteControl(messageType, []byte(appData), deadline)); err != nil {
				return &controlError{failed: sd.other(), err: err}
			}
			return nil
		}
		if messageType == websocket.PingMessage && !s.isDone(sd) {
			return ignoreClosed(s.conn(sd).WriteControl(websocket.PongMessage, []byte(appData), deadline))
		}
		return nil
	}
}

// controlError is returned from a control handler when forwarding to the
// peer fails. It surfaces from the reading side's NextReader and names the
// side whose write failed.
type controlError struct {
	failed side
	err    error
}

func (e *controlError) Error() string {
	return e.failed.String() + " control write: " + e.err.Error()
}

func (e *controlError) Unwrap() error {
	return e.err
}

func ignoreClosed(err error) error {
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}
