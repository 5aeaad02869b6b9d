// ABOUTME: Artwork cache for song records received from the server
// ABOUTME: Files are keyed by URL hash and written atomically so partial downloads never hit the cache
package artwork

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

// maxArtworkSize caps a single download
const maxArtworkSize = 16 << 20

// Downloader manages artwork downloads
type Downloader struct {
	cacheDir string
	client   *http.Client
	logger   *log.Logger

	// mu serialises downloads of the same URL
	mu      sync.Mutex
	pending map[string]*sync.Mutex
}

// NewDownloader creates a downloader caching into dir; empty uses the temp dir
func NewDownloader(dir string, logger *log.Logger) (*Downloader, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "resonate-duplex-artwork")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Downloader{
		cacheDir: dir,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "artwork"),
		pending:  make(map[string]*sync.Mutex),
	}, nil
}

// Path returns where url is cached, whether or not it was downloaded yet
func (d *Downloader) Path(url string) string {
	hash := sha256.Sum256([]byte(url))
	return filepath.Join(d.cacheDir, fmt.Sprintf("%x%s", hash[:8], getExtension(url)))
}

// Cached returns the cached file for url, or "" when it is not downloaded
func (d *Downloader) Cached(url string) string {
	if url == "" {
		return ""
	}
	p := d.Path(url)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (d *Downloader) lock(url string) func() {
	d.mu.Lock()
	m, ok := d.pending[url]
	if !ok {
		m = &sync.Mutex{}
		d.pending[url] = m
	}
	d.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Download fetches url into the cache and returns the file path
func (d *Downloader) Download(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", nil
	}
	unlock := d.lock(url)
	defer unlock()

	cachePath := d.Path(url)
	if _, err := os.Stat(cachePath); err == nil {
		d.logger.Debug("artwork cache hit", "path", cachePath)
		return cachePath, nil
	}

	d.logger.Debug("downloading artwork", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to download artwork: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artwork download failed: HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(d.cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, io.LimitReader(resp.Body, maxArtworkSize))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to save artwork: %w", err)
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return "", fmt.Errorf("failed to save artwork: %w", err)
	}

	d.logger.Debug("artwork saved", "path", cachePath)
	return cachePath, nil
}

// Fetch downloads the artwork of every song added by diff. Failures are logged
// and skipped; the number of cached files is returned.
func (d *Downloader) Fetch(ctx context.Context, diff reconcile.Diff) int {
	seen := make(map[string]bool)
	n := 0
	for _, b := range diff.AddSongs {
		for _, s := range b.Songs {
			if s.Artwork == "" || seen[s.Artwork] {
				continue
			}
			seen[s.Artwork] = true
			if _, err := d.Download(ctx, s.Artwork); err != nil {
				d.logger.Warn("artwork download failed", "song", s.ID, "err", err)
				continue
			}
			n++
		}
	}
	return n
}

// getExtension extracts file extension from URL
func getExtension(url string) string {
	url = strings.Split(url, "?")[0]

	ext := filepath.Ext(url)
	if ext == "" || strings.Contains(ext, "/") || len(ext) > 5 {
		ext = ".jpg"
	}
	return ext
}

// Cleanup removes the cache directory
func (d *Downloader) Cleanup() error {
	return os.RemoveAll(d.cacheDir)
}
