// Package fetch downloads registry extracts into the import directory.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/metrics"
	"github.com/addrsync/internal/model"
)

const chunkSize = 32 * 1024

// FileRegistrar records downloaded files for the import engine.
type FileRegistrar interface {
	Create(ctx context.Context, f *model.ImportedFile) (*model.ImportedFile, error)
}

// StateWriter mirrors the content hash into the dataset marker.
type StateWriter interface {
	MarkFetched(ctx context.Context, hash string, at time.Time) error
}

// Locker hands out execution locks.
type Locker interface {
	Acquire(name, holder string) (*lock.Lock, error)
}

// Config of the fetch engine. HashFile holds the hex hash of the last
// accepted download.
type Config struct {
	URL              string
	ImportDir        string
	HashFile         string
	Timeout          time.Duration
	ProgressInterval time.Duration
}

// Fetcher streams the configured URL to disk.
type Fetcher struct {
	cfg    Config
	client *http.Client
	files  FileRegistrar
	state  StateWriter
	locks  Locker
	now    func() time.Time
}

// NewFetcher creates a fetch engine. A nil client uses http.DefaultClient.
func NewFetcher(cfg Config, client *http.Client, files FileRegistrar, state StateWriter, locks Locker) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{cfg: cfg, client: client, files: files, state: state, locks: locks, now: time.Now}
}

// Run downloads the source once under the fetch lock. An unchanged
// download is discarded; a changed one is moved into the import directory
// and registered as a delta file.
func (f *Fetcher) Run(ctx context.Context, h *jobs.Handle) error {
	if f.cfg.URL == "" {
		return fmt.Errorf("fetch url is not configured: %w", model.ErrValidation)
	}

	l, err := f.locks.Acquire(string(model.JobFetch), fmt.Sprintf("job %d", h.ID))
	if err != nil {
		return err
	}
	defer l.Release()

	h.Stage(ctx, "download", "downloading "+f.cfg.URL)
	tmpPath, sum, size, err := f.download(ctx, h)
	if err != nil {
		return err
	}

	prev, err := ReadHash(f.cfg.HashFile)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if prev == sum {
		os.Remove(tmpPath)
		h.Infof(ctx, "source unchanged (sha256 %s)", sum)
		h.Finish(ctx, model.JobSuccess, "source unchanged", map[string]any{
			"changed": false,
			"hash":    sum,
			"bytes":   size,
		})
		return nil
	}

	name := FileName(f.cfg.URL, f.now())
	dest := filepath.Join(f.cfg.ImportDir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move download into import directory: %w", err)
	}

	rec, err := f.files.Create(ctx, &model.ImportedFile{
		Filename: name,
		Size:     size,
		Mode:     model.ModeDelta,
		Checksum: &sum,
	})
	if err != nil {
		return err
	}
	if err := WriteHash(f.cfg.HashFile, sum); err != nil {
		return err
	}
	if err := f.state.MarkFetched(ctx, sum, f.now().UTC()); err != nil {
		return err
	}

	h.Infof(ctx, "downloaded %s (%d bytes, sha256 %s)", name, size, sum)
	h.Finish(ctx, model.JobSuccess, "downloaded "+name, map[string]any{
		"changed": true,
		"file":    name,
		"file_id": rec.ID,
		"hash":    sum,
		"bytes":   size,
	})
	return nil
}

// download streams the body into a hidden temp file in the import
// directory, checking for cancellation between chunks. The partial file
// is removed on any failure.
func (f *Fetcher) download(ctx context.Context, h *jobs.Handle) (tmpPath, sum string, size int64, err error) {
	reqCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", 0, model.ErrCancelled
		}
		return "", "", 0, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("unexpected response status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(f.cfg.ImportDir, ".fetch-*.part")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hash := sha256.New()
	total := resp.ContentLength
	progress := rate.Sometimes{Interval: f.cfg.ProgressInterval}
	buf := make([]byte, chunkSize)

	for {
		if err = h.Checkpoint(ctx); err != nil {
			h.Warnf(ctx, "download cancelled after %d bytes; partial file removed", size)
			return "", "", 0, err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err = tmp.Write(buf[:n]); err != nil {
				return "", "", 0, fmt.Errorf("failed to write download: %w", err)
			}
			hash.Write(buf[:n])
			size += int64(n)
			metrics.FetchBytes.Add(float64(n))
			progress.Do(func() {
				h.Progress(ctx, byteProgress(size, total))
			})
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				err = model.ErrCancelled
				h.Warnf(ctx, "download cancelled after %d bytes; partial file removed", size)
				return "", "", 0, err
			}
			err = fmt.Errorf("failed to read response: %w", rerr)
			return "", "", 0, err
		}
	}

	if err = tmp.Sync(); err != nil {
		return "", "", 0, fmt.Errorf("failed to sync download: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("failed to close download: %w", err)
	}
	h.Progress(ctx, byteProgress(size, total))
	return tmp.Name(), hex.EncodeToString(hash.Sum(nil)), size, nil
}

func byteProgress(done, total int64) map[string]any {
	m := map[string]any{"bytes": done}
	if total > 0 {
		m["total_bytes"] = total
		m["progress"] = float64(done) / float64(total)
	}
	return m
}

// FileName names a download after the URL's extension and the time.
func FileName(rawURL string, at time.Time) string {
	ext := ".zip"
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	return "registry-" + at.UTC().Format("20060102T150405Z") + ext
}

// ReadHash returns the stored baseline hash, or "" when there is none.
func ReadHash(p string) (string, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hash file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteHash replaces the baseline hash atomically.
func WriteHash(p, sum string) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(sum+"\n"), 0o640); err != nil {
		return fmt.Errorf("failed to write hash file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to replace hash file: %w", err)
	}
	return nil
}
