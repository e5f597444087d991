package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ljdmx/SilentLink/internal/tunnel"
)

// Factory returns a sink factory that writes incoming files into dir,
// creating it if needed.
func Factory(dir string) tunnel.SinkFactory {
	return func(meta tunnel.FileMeta) (tunnel.FileSink, error) {
		return NewSink(dir, meta.Name)
	}
}

// Sink persists one incoming file. Bytes land in a ".part" file that
// is renamed to its final name only on Finalize, so an aborted or
// interrupted transfer never leaves a file that looks complete.
type Sink struct {
	file     *os.File
	partPath string
	path     string
}

// NewSink opens a sink for a file called name inside dir. The name is
// sanitized first; whatever the peer announced cannot place the file
// outside dir.
func NewSink(dir, name string) (*Sink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating save directory %s: %w", dir, err)
	}

	path := uniquePath(filepath.Join(dir, SanitizeName(name)))
	partPath := path + ".part"

	file, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", partPath, err)
	}

	return &Sink{file: file, partPath: partPath, path: path}, nil
}

// Write appends decrypted bytes to the partial file.
func (s *Sink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Finalize closes the partial file and moves it to its final name,
// returning the final path.
func (s *Sink) Finalize() (string, error) {
	if err := s.file.Close(); err != nil {
		os.Remove(s.partPath)
		return "", fmt.Errorf("closing %s: %w", s.partPath, err)
	}
	if err := os.Rename(s.partPath, s.path); err != nil {
		os.Remove(s.partPath)
		return "", fmt.Errorf("renaming %s: %w", s.partPath, err)
	}
	return s.path, nil
}

// Abort closes and removes the partial file.
func (s *Sink) Abort() error {
	s.file.Close()
	if err := os.Remove(s.partPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.partPath, err)
	}
	return nil
}

// Path returns the final path the sink will rename to on Finalize.
func (s *Sink) Path() string {
	return s.path
}

// SanitizeName reduces a peer-announced filename to a bare name safe
// to join onto the save directory.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	return name
}

// uniquePath returns path if it is free, otherwise appends " (1)",
// " (2)", ... before the extension until neither the candidate nor
// its ".part" twin exists.
func uniquePath(path string) string {
	if free(path) {
		return path
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		if free(candidate) {
			return candidate
		}
	}
}

func free(path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return false
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		return false
	}
	return true
}
