package tftp

import "time"

// BlockSize is the fixed RFC 1350 data block size. A DATA packet carrying
// fewer than BlockSize payload bytes is the terminal block of a transfer.
const BlockSize = 512

const (
	// DefaultListenAddr is the well-known TFTP service address.
	DefaultListenAddr = ":69"

	// DefaultRetryTimeout is how long a session waits for an ACK before
	// retransmitting the current block.
	DefaultRetryTimeout = 1 * time.Second

	// maxRetries is the per-block retransmission budget. It is restored in
	// full every time a transfer advances to a new block.
	maxRetries = 5
)

// TFTP error codes (RFC 1350 appendix). The server only ever emits
// ErrCodeFileNotFound; the rest exist for decoding client packets.
const (
	ErrCodeNotDefined      uint16 = 0
	ErrCodeFileNotFound    uint16 = 1
	ErrCodeAccessViolation uint16 = 2
	ErrCodeDiskFull        uint16 = 3
	ErrCodeIllegalOp       uint16 = 4
	ErrCodeUnknownTID      uint16 = 5
	ErrCodeFileExists      uint16 = 6
	ErrCodeNoSuchUser      uint16 = 7
)

// ModeOctet is the only transfer mode this server accepts. The match is
// exact and case-sensitive; anything else is dropped without a response.
const ModeOctet = "octet"
