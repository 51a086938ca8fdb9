package session

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/utils"
)

const (
	// progress is reported at most once per progressStep bytes
	progressStep = 100 * 1024
	chunkSize    = 32 * 1024

	maxCollisions = 10000
)

// ProgressSink takes the written fraction of files. *progress.Tracker is one.
type ProgressSink interface {
	Get(fileId string) float64
	Set(fileId string, fraction float64)
}

// ErrDirectoryTraversal indicates a file name that would land outside the
// destination directory.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// CleanFileName turns a peer supplied file name into a relative path below
// the destination directory.
func CleanFileName(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: %w: %q", lserrors.ErrInvalidBody, ErrDirectoryTraversal, name)
	}

	return cleaned, nil
}

// FindUniquePath returns the n-th candidate for saving name: the name itself
// for n == 0, "stem (n).ext" otherwise.
func FindUniquePath(dir string, name string, n int) string {
	if n == 0 {
		return filepath.Join(dir, name)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfiles like ".env" have no extension to keep
		stem, ext = name, ""
	}

	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
}

// createUnique claims the first free candidate path. O_EXCL makes the claim
// atomic, so parallel uploads of equally named files never share a path.
func createUnique(dir string, name string) (*os.File, string, error) {
	for n := 0; n < maxCollisions; n++ {
		path := FindUniquePath(dir, name, n)

		fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		return fd, path, nil
	}

	return nil, "", fmt.Errorf("no free file name for %q", name)
}

// ReceiveFile streams body into a fresh file for file under dir and returns
// the path it was saved as. onCreate, if set, is told the path as soon as it
// is claimed. A failed upload leaves no file behind and progress where it
// was before the upload started.
func ReceiveFile(dir string, file ReceivingFile, body io.Reader, sink ProgressSink, onCreate func(path string)) (string, error) {
	meta := file.Meta

	name, err := CleanFileName(meta.Filename)
	if err != nil {
		return "", err
	}

	target := filepath.Join(dir, name)
	err = os.MkdirAll(filepath.Dir(target), fs.ModePerm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", lserrors.ErrFileIO, err)
	}

	fd, saveAs, err := createUnique(filepath.Dir(target), filepath.Base(target))
	if err != nil {
		return "", fmt.Errorf("%w: %v", lserrors.ErrFileIO, err)
	}
	if onCreate != nil {
		onCreate(saveAs)
	}

	// a failed retry must not undo an earlier complete upload
	prev := sink.Get(meta.Id)
	fail := func(err error) (string, error) {
		fd.Close()
		os.Remove(saveAs)
		sink.Set(meta.Id, prev)
		return "", fmt.Errorf("%w: %v", lserrors.ErrFileIO, err)
	}

	buf := make([]byte, chunkSize)
	var written, reported int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := fd.Write(buf[:n]); err != nil {
				return fail(err)
			}
			written += int64(n)

			// 1 is reserved for a fully flushed file
			if meta.Size > 0 && written-reported >= progressStep && written < meta.Size {
				sink.Set(meta.Id, float64(written)/float64(meta.Size))
				reported = written
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}

	if err := fd.Sync(); err != nil {
		return fail(err)
	}
	if err := fd.Close(); err != nil {
		os.Remove(saveAs)
		sink.Set(meta.Id, prev)
		return "", fmt.Errorf("%w: %v", lserrors.ErrFileIO, err)
	}

	// calculate checksum if it's provided
	if meta.Checksum != "" {
		checksum, err := utils.SHA256ofFile(saveAs)
		if err != nil || !strings.EqualFold(checksum, meta.Checksum) {
			os.Remove(saveAs)
			sink.Set(meta.Id, prev)
			return "", lserrors.ErrChecksum
		}
	}

	sink.Set(meta.Id, 1)

	slog.Info("Recv file", "file", filepath.Base(saveAs), "bytes", written)

	return saveAs, nil
}
