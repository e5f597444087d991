package tunnel

import "time"

const (
	// ChunkSize is the fixed plaintext size of one file chunk, small
	// enough to stay well under SCTP message limits after the AEAD
	// overhead is added.
	ChunkSize = 16 * 1024

	// HighWaterMark pauses the sender when the channel's outgoing
	// buffer exceeds it.
	HighWaterMark = 1024 * 1024
	// LowWaterMark resumes the sender once the buffer drains below it.
	LowWaterMark = 256 * 1024

	// sendTimeout bounds a single backpressure wait. The buffer not
	// moving for this long means the transport is effectively dead.
	sendTimeout = 30 * time.Second
	// drainTimeout bounds the final flush after the last chunk.
	drainTimeout = 10 * time.Second
)
