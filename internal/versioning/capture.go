package versioning

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink/snapshot"
	"gopkg.in/yaml.v3"
)

// MetadataSuffix is appended to the artifact path to name its metadata file.
const MetadataSuffix = ".version.yaml"

// FileCapturer copies artifacts into a content-addressed cache directory.
type FileCapturer struct {
	cacheDir string
	now      func() time.Time
	logger   *slog.Logger
}

// NewFileCapturer stores captured content under cacheDir. A nil now uses
// time.Now.
func NewFileCapturer(cacheDir string, now func() time.Time) *FileCapturer {
	if now == nil {
		now = time.Now
	}
	return &FileCapturer{
		cacheDir: cacheDir,
		now:      now,
		logger:   slog.Default().With("component", "capturer"),
	}
}

// Capture hashes artifact and, unless the digest equals the one already
// recorded in its metadata file, caches a copy and rewrites the metadata.
func (fc *FileCapturer) Capture(ctx context.Context, artifact string) (CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return CaptureResult{}, err
	}
	digest, size, err := hashFile(artifact)
	if err != nil {
		return CaptureResult{}, err
	}

	res := CaptureResult{
		MetadataPath: artifact + MetadataSuffix,
		IgnorePath:   filepath.Join(filepath.Dir(artifact), ".gitignore"),
	}
	if err := ensureIgnored(res.IgnorePath, filepath.Base(artifact)); err != nil {
		return CaptureResult{}, err
	}

	prev, err := readMetadata(res.MetadataPath)
	if err != nil {
		fc.logger.Warn("ignoring unreadable metadata", "path", res.MetadataPath, "error", err)
	}
	if prev != nil && prev.Digest == digest && fileExists(prev.CachePath) {
		res.Snapshot = *prev
		return res, nil
	}

	rows, err := snapshot.Read(artifact)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("reading artifact rows: %w", err)
	}
	cachePath := filepath.Join(fc.cacheDir, digest[:2], digest[2:])
	if !fileExists(cachePath) {
		if err := copyFile(artifact, cachePath); err != nil {
			return CaptureResult{}, err
		}
	}

	res.Snapshot = Snapshot{
		Path:       filepath.Base(artifact),
		Digest:     digest,
		Size:       size,
		Rows:       len(rows),
		CachePath:  cachePath,
		CapturedAt: fc.now().UTC(),
	}
	if err := writeMetadata(res.MetadataPath, res.Snapshot); err != nil {
		return CaptureResult{}, err
	}
	res.Changed = true
	return res, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func readMetadata(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &s, nil
}

func writeMetadata(path string, s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ensureIgnored appends "/name" to the .gitignore at path unless present.
func ensureIgnored(path, name string) error {
	entry := "/" + name
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == entry {
			return nil
		}
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		data = append(data, '\n')
	}
	data = append(data, entry+"\n"...)
	return writeFileAtomic(path, data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".capture-*")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copying artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming cache file: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
