// Package assetcache implements C1: a per-worker local mirror of renderable
// asset files, keyed by the URL path under which the manager serves them,
// grounded on original_source/sethlans_worker_agent/asset_manager.py.
package assetcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/blendforge/blendforge/internal/logging"
)

// manifestFile is the cache's integrity manifest: relative path -> hex
// blake2b-256 digest of the file's content at download time. It guards
// against silent on-disk corruption of a cache entry (disk errors, a
// truncated write that still passed os.Rename) going undetected across
// worker restarts, since a corrupted .blend file fed to the renderer fails
// far less clearly than a cache-layer integrity check does.
const manifestFile = ".manifest.json"

// Cache mirrors assets under a local root directory, keyed by the asset
// download URL's path component — the same layout the manager exposes
// them at, so the cache needs no separate naming scheme.
type Cache struct {
	rootDir    string
	httpClient *http.Client

	manifestMu sync.Mutex
	manifest   map[string]string
}

func New(rootDir string) *Cache {
	return &Cache{rootDir: rootDir, httpClient: &http.Client{}}
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.rootDir, manifestFile)
}

// loadManifest reads the integrity manifest, tolerating a missing file (a
// fresh cache directory) but treating a corrupt one as empty rather than
// failing asset resolution over it.
func (c *Cache) loadManifest() map[string]string {
	c.manifestMu.Lock()
	defer c.manifestMu.Unlock()
	if c.manifest != nil {
		return c.manifest
	}
	c.manifest = map[string]string{}
	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		return c.manifest
	}
	_ = json.Unmarshal(data, &c.manifest)
	return c.manifest
}

func (c *Cache) recordDigest(relativePath, digest string) {
	c.manifestMu.Lock()
	defer c.manifestMu.Unlock()
	if c.manifest == nil {
		c.manifest = map[string]string{}
	}
	c.manifest[relativePath] = digest
	data, err := json.Marshal(c.manifest)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.manifestPath(), data, 0o644)
}

func blake2bHex(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ensure guarantees the asset named by assetURL is present locally,
// downloading it on a cache miss, and returns its local path. An existing
// file is re-fetched only when it fails the manifest integrity check —
// assets are immutable once uploaded, so
// write-once-per-asset is safe even if concurrent slots within one worker
// race to fetch the same asset. Grounded on asset_manager.py's
// ensure_asset_is_available().
func (c *Cache) Ensure(assetURL string) (string, error) {
	logger := logging.ComponentLogger(logging.ComponentAssetCache)

	if assetURL == "" {
		return "", fmt.Errorf("asset cache: empty asset URL")
	}

	parsed, err := url.Parse(assetURL)
	if err != nil {
		return "", fmt.Errorf("asset cache: invalid asset url %q: %w", assetURL, err)
	}
	relativePath := strings.TrimPrefix(parsed.Path, "/")
	localPath := filepath.Join(c.rootDir, filepath.FromSlash(relativePath))

	if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
		if c.verifyIntegrity(relativePath, localPath) {
			logger.Debug("asset found in local cache", "path", localPath)
			return localPath, nil
		}
		logger.Warn("cache entry failed integrity check, redownloading", "path", localPath)
	}

	logger.Info("asset not found locally, downloading", "url", assetURL)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}

	if err := c.download(assetURL, relativePath, localPath); err != nil {
		return "", fmt.Errorf("asset cache: download %s: %w", assetURL, err)
	}
	logger.Info("downloaded asset", "path", localPath)
	return localPath, nil
}

// verifyIntegrity reports whether localPath's content still matches the
// digest recorded for it at download time. A relative path with no
// manifest entry (e.g. a cache populated before the manifest existed) is
// treated as trusted rather than forcing a redundant redownload.
func (c *Cache) verifyIntegrity(relativePath, localPath string) bool {
	manifest := c.loadManifest()
	want, ok := manifest[relativePath]
	if !ok {
		return true
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false
	}
	return blake2bHex(data) == want
}

func (c *Cache) download(assetURL, relativePath, destPath string) error {
	resp, err := c.httpClient.Get(assetURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	hasher, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := io.Copy(f, io.TeeReader(resp.Body, hasher)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	if err := os.Rename(tmpPath, destPath); err != nil {
		return err
	}
	c.recordDigest(relativePath, hex.EncodeToString(hasher.Sum(nil)))
	return nil
}
