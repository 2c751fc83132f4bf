package tftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// NewServer validates options and constructs a stopped server.
func NewServer(options Options) (*Server, error) {
	if options.ListenAddr == "" {
		options.ListenAddr = DefaultListenAddr
	}
	if options.RetryTimeout <= 0 {
		options.RetryTimeout = DefaultRetryTimeout
	}

	source := options.Source
	if source == nil {
		if options.Root == "" {
			return nil, errors.New("either Root or Source must be set")
		}
		source = NewFileCache(options.Root, options.CacheTTL, options.Logger)
	}

	return &Server{
		options: options,
		source:  source,
		log:     options.Logger,
	}, nil
}

// Start binds the listeners and returns once they are serving. It fails if
// either the TFTP port or the configured DHCP port cannot be bound.
func (s *Server) Start() error {
	if s.cancel != nil {
		return errors.New("server already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel

	if err := s.startTFTP(ctx); err != nil {
		cancel()
		return fmt.Errorf("start tftp: %w", err)
	}

	if err := s.startNetboot(ctx); err != nil {
		cancel()
		_ = s.conn.Close()
		return fmt.Errorf("start netboot: %w", err)
	}

	return nil
}

// Stop shuts down the listeners and waits for in-flight sessions to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.dhcpServer != nil {
		_ = s.dhcpServer.Close()
	}
	s.wg.Wait()
}

// Addr reports the bound TFTP address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) startTFTP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", s.options.ListenAddr)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}

	s.conn = conn
	s.log.Info().Stringer("addr", conn.LocalAddr()).Msg("tftp listener bound")
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		buf := make([]byte, 1500)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, clientAddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
					s.log.Warn().Err(err).Msg("listener read failed")
				}
				continue
			}

			payload := append([]byte(nil), buf[:n]...)
			s.dispatch(clientAddr, payload)
		}
	}()

	return nil
}

// dispatch routes one datagram from the well-known port. Only a valid RRQ
// creates state; everything else is logged and dropped without a response.
func (s *Server) dispatch(client *net.UDPAddr, payload []byte) {
	pkt, err := Decode(payload)
	if err != nil {
		s.log.Info().Err(err).Stringer("client", client).Msg("discarding undecodable datagram")
		return
	}

	switch p := pkt.(type) {
	case *Request:
		if p.Op == OpcodeWRQ {
			s.log.Warn().Stringer("client", client).Str("file", p.Filename).Msg("write requests are not supported")
			return
		}
		if p.Mode != ModeOctet {
			s.log.Warn().Stringer("client", client).Str("mode", p.Mode).Msg("unsupported transfer mode")
			return
		}
		s.startSession(client, p.Filename)

	case *Ack:
		// Sessions only receive traffic on their own sockets, so anything
		// landing here lost its way.
		s.log.Info().Stringer("client", client).Uint16("block", p.Block).Msg("stray ack on listen port")

	case *Error:
		s.log.Info().Stringer("client", client).Uint16("code", p.Code).Str("message", p.Message).Msg("stray error on listen port")

	case *Data:
		s.log.Info().Stringer("client", client).Uint16("block", p.Block).Msg("stray data on listen port")
	}
}

// startSession binds a fresh ephemeral socket for one client and hands the
// transfer to its own goroutine. The distinct local port is what keeps
// concurrent transfers apart; no session table exists.
func (s *Server) startSession(client *net.UDPAddr, filename string) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to bind session socket")
		return
	}

	sess := &session{
		conn:    conn,
		client:  client,
		source:  s.source,
		timeout: s.options.RetryTimeout,
		log: s.log.With().
			Stringer("client", client).
			Str("file", filename).
			Logger(),
	}

	sess.log.Info().Stringer("session", conn.LocalAddr()).Msg("read request accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(s.ctx, filename)
	}()
}
