package tftp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"
)

type (
	// Options configures a Server. The zero value of every field has a
	// usable default except that one of Root or Source must be set.
	Options struct {
		// ListenAddr is the well-known TFTP address, DefaultListenAddr
		// when empty.
		ListenAddr string

		// Root is the directory files are served from. Ignored when
		// Source is set.
		Root string

		// Source overrides the file cache as the origin of file contents.
		Source ContentSource

		// RetryTimeout is the per-block ACK wait before retransmission,
		// DefaultRetryTimeout when zero.
		RetryTimeout time.Duration

		// CacheTTL bounds how long file contents are served from memory
		// before being re-read; zero caches forever.
		CacheTTL time.Duration

		// Netboot enables the DHCP boot responder when non-nil.
		Netboot *NetbootOptions

		Logger zerolog.Logger
	}

	// Server is the listener on the well-known port. Each accepted read
	// request runs as its own session on its own ephemeral socket; the
	// content source is the only state sessions share.
	Server struct {
		options Options
		source  ContentSource
		log     zerolog.Logger

		ctx    context.Context
		cancel context.CancelFunc

		conn       *net.UDPConn
		dhcpServer *server4.Server

		wg sync.WaitGroup
	}
)
