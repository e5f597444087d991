package tunnel

import "io"

// Direction distinguishes progress on outgoing and incoming files.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

// Progress reports transfer movement. Total comes from the declared
// file size; Transferred is plaintext bytes moved so far.
type Progress struct {
	ID          string
	Name        string
	Direction   Direction
	Transferred int64
	Total       int64
}

// Percent is progress over the declared size, clamped to [0, 100].
// A zero-size file is complete by definition.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	pct := float64(p.Transferred) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ReceivedFile is a finished incoming transfer: the announced metadata
// plus wherever the sink stored the bytes.
type ReceivedFile struct {
	Meta FileMeta
	Path string
}

// FileSink receives decrypted chunk plaintext in arrival order.
// Finalize is called once the declared size is reached and returns the
// stored location; Abort discards a failed transfer's partial state.
type FileSink interface {
	io.Writer
	Finalize() (string, error)
	Abort() error
}

// SinkFactory opens a sink for an announced file. Returning an error
// rejects the transfer without disturbing the rest of the tunnel.
type SinkFactory func(meta FileMeta) (FileSink, error)

// incomingFile is the receive-side state between file-meta and
// completion.
type incomingFile struct {
	meta     FileMeta
	sink     FileSink
	received int64
}

func (f *incomingFile) progress() Progress {
	return Progress{
		ID:          f.meta.ID,
		Name:        f.meta.Name,
		Direction:   DirectionReceive,
		Transferred: f.received,
		Total:       f.meta.Size,
	}
}
