package tftp

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ProtocolViolationError reports an ACK for a block number that is neither
// the current block nor the immediately preceding one. It is fatal to the
// session that sees it and invisible to every other session.
type ProtocolViolationError struct {
	Current uint16
	Acked   uint16
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("ack for block %d while sending block %d", e.Acked, e.Current)
}

type transferState uint8

const (
	stateAwaitAck transferState = iota
	stateDone
	stateFailed
)

// transfer is the block-send state machine, kept free of sockets and timers
// so every transition can be tested in isolation. Transitions return the
// packet bytes to (re)transmit, or nil when nothing should be sent; the
// caller owns the single retransmission timer and restarts it on every send.
type transfer struct {
	content []byte
	block   uint16
	retries int
	last    []byte // verbatim wire bytes of the current DATA packet
	state   transferState
}

// beginTransfer starts a transfer over content and returns the machine
// together with the DATA packet for block 1. A zero-length file still
// produces one (empty) block.
func beginTransfer(content []byte) (*transfer, []byte) {
	t := &transfer{content: content, state: stateAwaitAck}
	return t, t.nextBlock(1)
}

// nextBlock encodes block n, retains its exact bytes for retransmission and
// restores the per-block retry budget.
func (t *transfer) nextBlock(n uint16) []byte {
	start := (int(n) - 1) * BlockSize
	end := start + BlockSize
	if start > len(t.content) {
		start = len(t.content)
	}
	if end > len(t.content) {
		end = len(t.content)
	}

	t.block = n
	t.retries = maxRetries
	t.last = Encode(&Data{Block: n, Payload: t.content[start:end]})
	return t.last
}

// payloadLen is the payload size of the current block; under BlockSize it is
// the terminal block.
func (t *transfer) payloadLen() int { return len(t.last) - 4 }

// ack processes an inbound ACK for block k while awaiting block t.block.
func (t *transfer) ack(k uint16) ([]byte, error) {
	switch {
	case k == t.block:
		if t.payloadLen() < BlockSize {
			t.state = stateDone
			return nil, nil
		}
		if t.block == math.MaxUint16 {
			// Block numbers are 16-bit; past ~32 MiB they would wrap and
			// corrupt the transfer, so refuse instead of guessing.
			t.state = stateFailed
			return nil, fmt.Errorf("block number exhausted at %d: file too large", t.block)
		}
		return t.nextBlock(t.block + 1), nil

	case k == t.block-1:
		// Duplicate ACK for the previous block: the client wants the current
		// block again. Resend the retained bytes verbatim and leave the
		// retry budget alone.
		return t.last, nil

	default:
		t.state = stateFailed
		return nil, &ProtocolViolationError{Current: t.block, Acked: k}
	}
}

// timeout handles retransmission-timer expiry. It returns the packet to
// resend, or nil once the retry budget for this block is spent.
func (t *transfer) timeout() []byte {
	if t.retries == 0 {
		t.state = stateFailed
		return nil
	}
	t.retries--
	return t.last
}

// abort fails the machine in place, used when the client sends an ERROR.
func (t *transfer) abort() { t.state = stateFailed }

// session owns one accepted read request: a dedicated UDP socket bound to an
// ephemeral port, the fixed client address, and the transfer machine driving
// the DATA/ACK exchange. Nothing outside the session goroutine touches it.
type session struct {
	conn    *net.UDPConn
	client  *net.UDPAddr
	source  ContentSource
	timeout time.Duration
	log     zerolog.Logger
}

// run drives the session to completion and releases the socket. The
// retransmission timer is the socket's read deadline, so at most one timer
// exists by construction. It is armed only when a packet goes out; ignored
// datagrams keep the remaining window instead of restarting it.
func (s *session) run(ctx context.Context, filename string) {
	defer s.conn.Close()

	content, err := s.source.Read(filename)
	if err != nil {
		// Best effort, never retransmitted. The client usually answers
		// with a trailing ACK, which ends the session unacted-upon.
		s.log.Info().Err(err).Msg("rejecting transfer")
		s.send(Encode(&Error{Code: ErrCodeFileNotFound, Message: "No found :("}))
		s.awaitTrailingAck()
		return
	}

	t, first := beginTransfer(content)
	s.send(first)
	deadline := time.Now().Add(s.timeout)

	buf := make([]byte, BlockSize+4)
	for t.state == stateAwaitAck {
		_ = s.conn.SetReadDeadline(deadline)
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					s.log.Info().Msg("transfer abandoned: server shutting down")
					return
				default:
				}
				if resend := t.timeout(); resend != nil {
					s.send(resend)
					deadline = time.Now().Add(s.timeout)
				} else {
					s.log.Warn().Uint16("block", t.block).Msg("retry budget exhausted, giving up")
				}
				continue
			}
			s.log.Warn().Err(err).Msg("session socket read failed")
			return
		}

		if !from.IP.Equal(s.client.IP) || from.Port != s.client.Port {
			// Unknown transfer ID; ignored rather than answered.
			s.log.Warn().Stringer("from", from).Msg("datagram from foreign address on session socket")
			continue
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable datagram on session socket")
			continue
		}

		switch p := pkt.(type) {
		case *Ack:
			resend, err := t.ack(p.Block)
			if err != nil {
				s.log.Error().Err(err).Msg("transfer failed")
			}
			if resend != nil {
				s.send(resend)
				deadline = time.Now().Add(s.timeout)
			}
		case *Error:
			s.log.Warn().Uint16("code", p.Code).Str("message", p.Message).Msg("client aborted transfer")
			t.abort()
		default:
			s.log.Warn().Stringer("opcode", pkt.Opcode()).Msg("unexpected packet on session socket")
		}
	}

	if t.state == stateDone {
		s.log.Info().Int("size", len(content)).Uint16("blocks", t.block).Msg("transfer complete")
	}
}

func (s *session) send(b []byte) {
	if _, err := s.conn.WriteToUDP(b, s.client); err != nil {
		s.log.Warn().Err(err).Msg("udp write failed")
	}
}

// awaitTrailingAck parks for one timer period after an ERROR packet. A
// client that saw the error typically answers with a final ACK; whether or
// not it arrives, the session tears down afterwards.
func (s *session) awaitTrailingAck() {
	buf := make([]byte, 64)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	_, _, _ = s.conn.ReadFromUDP(buf)
}
