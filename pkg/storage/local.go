package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Layout maps recording sessions onto the private data directory:
//
//	<root>/chunks/<session>/chunk_000042.part
//	<root>/artifacts/<session>.mp4
//	<root>/scratch/<session>/
//
// Chunk filenames are zero-padded so a directory listing sorts in index order.
type Layout struct {
	root string
}

// NewLayout creates a disk layout rooted at dir (os.TempDir() when empty).
func NewLayout(dir string) *Layout {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clipdeck")
	}
	return &Layout{root: dir}
}

// Root returns the data directory root.
func (l *Layout) Root() string { return l.root }

// ChunkDir returns the chunk directory for a session.
func (l *Layout) ChunkDir(sessionID string) string {
	return filepath.Join(l.root, "chunks", sessionID)
}

// ChunkPath returns the path for one chunk part.
func (l *Layout) ChunkPath(sessionID string, index int) string {
	return filepath.Join(l.ChunkDir(sessionID), fmt.Sprintf("chunk_%06d.part", index))
}

// ArtifactPath returns the final artifact path for a session.
func (l *Layout) ArtifactPath(sessionID string) string {
	return filepath.Join(l.root, "artifacts", sessionID+".mp4")
}

// ScratchDir returns the per-session working directory used during transcode.
func (l *Layout) ScratchDir(sessionID string) string {
	return filepath.Join(l.root, "scratch", sessionID)
}

// WriteChunk persists one chunk part. The write goes to a temp file first and
// is renamed into place so a crashed request never leaves a truncated part
// that would later be counted as present.
func (l *Layout) WriteChunk(sessionID string, index int, r io.Reader) (int64, error) {
	dir := l.ChunkDir(sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("mkdir chunk dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp part: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.ChunkPath(sessionID, index)); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename chunk: %w", err)
	}
	return n, nil
}

// ChunkExists reports whether a non-empty chunk part is on disk.
func (l *Layout) ChunkExists(sessionID string, index int) bool {
	info, err := os.Stat(l.ChunkPath(sessionID, index))
	return err == nil && info.Size() > 0
}

// MissingChunk returns the first index in [0, count) with no part on disk,
// or -1 when all parts are present.
func (l *Layout) MissingChunk(sessionID string, count int) int {
	for i := 0; i < count; i++ {
		if !l.ChunkExists(sessionID, i) {
			return i
		}
	}
	return -1
}

// OpenChunk opens one chunk part for reading.
func (l *Layout) OpenChunk(sessionID string, index int) (*os.File, error) {
	return os.Open(l.ChunkPath(sessionID, index))
}

// PlaceArtifact moves a finished file into the artifact location and returns
// the final path. Falls back to copy when rename crosses filesystems.
func (l *Layout) PlaceArtifact(sessionID, src string) (string, error) {
	dst := l.ArtifactPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("mkdir artifacts: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open transcode output: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	_ = os.Remove(src)
	return dst, nil
}

// RemoveChunks deletes the whole chunk directory for a session.
func (l *Layout) RemoveChunks(sessionID string) error {
	return os.RemoveAll(l.ChunkDir(sessionID))
}

// RemoveScratch deletes the per-session scratch directory.
func (l *Layout) RemoveScratch(sessionID string) error {
	return os.RemoveAll(l.ScratchDir(sessionID))
}

// RemoveArtifact deletes the final artifact if present.
func (l *Layout) RemoveArtifact(sessionID string) error {
	err := os.Remove(l.ArtifactPath(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
