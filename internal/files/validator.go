// Package files covers the local filesystem edges of a file transfer:
// validating what the user asks to send and persisting what the peer
// delivers, with names that cannot escape the download directory.
package files

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// FileInfo describes a validated outgoing file.
type FileInfo struct {
	// Path is the absolute path to the file.
	Path string

	// Name is the filename without directory, as announced to the
	// peer.
	Name string

	// Size is the file size in bytes.
	Size int64

	// Type is the MIME type guessed from the extension.
	Type string
}

// Validate checks that path names a readable regular file and returns
// the metadata announced to the peer. Empty files are fine; a
// zero-byte transfer is still a transfer.
func Validate(path string) (FileInfo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: resolving path: %w", path, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%s: file does not exist", path)
		}
		return FileInfo{}, fmt.Errorf("%s: stat: %w", path, err)
	}
	if stat.IsDir() {
		return FileInfo{}, fmt.Errorf("%s: is a directory", path)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: cannot open file (check permissions): %w", path, err)
	}
	f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(absPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return FileInfo{
		Path: absPath,
		Name: filepath.Base(absPath),
		Size: stat.Size(),
		Type: mimeType,
	}, nil
}
