// Package osimage resolves an OS-image bundle hash to a locally-cached,
// checksum-verified directory, downloading and extracting it on demand.
package osimage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/dstack-tee/dstack-verifier/internal/verifyerr"
)

// Metadata is the manifest every image bundle carries (metadata.json):
// the relative paths to the firmware, kernel and initrd images, and the
// kernel command line to boot them with.
type Metadata struct {
	Bios    string `json:"bios"`
	Kernel  string `json:"kernel"`
	Initrd  string `json:"initrd"`
	Cmdline string `json:"cmdline"`
}

// Resolver locates or fetches OS-image bundles under a local cache
// directory, keyed by the hex SHA-256 of their sha256sum.txt manifest.
type Resolver struct {
	CacheDir        string
	DownloadBaseURL string
	DownloadTimeout time.Duration
	Client          *retryablehttp.Client
}

// NewResolver builds a Resolver backed by a retrying HTTP client, the
// way a fetch that may hit a flaky release CDN should be wired.
func NewResolver(cacheDir, downloadBaseURL string, timeout time.Duration) *Resolver {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	return &Resolver{
		CacheDir:        cacheDir,
		DownloadBaseURL: downloadBaseURL,
		DownloadTimeout: timeout,
		Client:          client,
	}
}

func (r *Resolver) imagesDir() string { return filepath.Join(r.CacheDir, "images") }

func (r *Resolver) imageDir(hexHash string) string {
	return filepath.Join(r.imagesDir(), hexHash)
}

// Resolve returns the local directory holding the bundle identified by
// hexHash, downloading and verifying it first if it isn't already
// cached.
func (r *Resolver) Resolve(ctx context.Context, hexHash string) (string, error) {
	dir := r.imageDir(hexHash)
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err == nil {
		return dir, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.DownloadTimeout)
	defer cancel()

	if err := r.download(ctx, hexHash, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadMetadata loads and parses the metadata.json manifest for a resolved
// bundle directory.
func LoadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadManifest, "read image metadata", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadManifest, "parse image metadata", err)
	}
	return &meta, nil
}

// download fetches the bundle tarball for hexHash into a temp dir,
// extracts it, verifies every file's checksum against sha256sum.txt,
// verifies the manifest itself hashes to hexHash, prunes anything not
// listed, and atomically publishes the result at dst.
func (r *Resolver) download(ctx context.Context, hexHash, dst string) error {
	if err := os.MkdirAll(r.imagesDir(), 0o755); err != nil {
		return verifyerr.Wrap(verifyerr.Internal, "create image cache dir", err)
	}

	tmpDir := filepath.Join(r.imagesDir(), "tmp-download-"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return verifyerr.Wrap(verifyerr.Internal, "create temp download dir", err)
	}
	defer os.RemoveAll(tmpDir)

	url := strings.TrimRight(r.DownloadBaseURL, "/") + "/" + hexHash + ".tar.gz"
	log.Info().Str("url", url).Str("hash", hexHash).Msg("downloading OS image bundle")

	archivePath := filepath.Join(tmpDir, "image.tar.gz")
	if err := r.fetch(ctx, url, archivePath); err != nil {
		return verifyerr.Wrap(verifyerr.DownloadFailed, "download OS image bundle", err)
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	if err := extractTarGz(archivePath, extractDir); err != nil {
		return verifyerr.Wrap(verifyerr.BadManifest, "extract OS image bundle", err)
	}

	checksumFile := filepath.Join(extractDir, "sha256sum.txt")
	checksumData, err := os.ReadFile(checksumFile)
	if err != nil {
		return verifyerr.Wrap(verifyerr.BadManifest, "read sha256sum.txt", err)
	}

	listed, err := verifyChecksums(extractDir, checksumData)
	if err != nil {
		return verifyerr.Wrap(verifyerr.BadChecksum, "verify OS image bundle checksums", err)
	}

	if err := pruneUnlisted(extractDir, listed); err != nil {
		return verifyerr.Wrap(verifyerr.Internal, "prune unlisted bundle files", err)
	}

	sum := sha256.Sum256(checksumData)
	gotHash := hex.EncodeToString(sum[:])
	if !strings.EqualFold(gotHash, hexHash) {
		return verifyerr.New(verifyerr.BadChecksum, "OS image bundle identity mismatch: requested %s, manifest hashes to %s", hexHash, gotHash)
	}

	if _, err := os.Stat(filepath.Join(extractDir, "metadata.json")); err != nil {
		return verifyerr.New(verifyerr.BadManifest, "OS image bundle is missing metadata.json")
	}

	os.RemoveAll(dst)
	if err := os.Rename(extractDir, dst); err != nil {
		return verifyerr.Wrap(verifyerr.Internal, "publish OS image bundle", err)
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, url, dst string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func extractTarGz(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dst, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) && target != dst {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

// verifyChecksums checks every "<hex>  <path>" line in checksumData
// against the extracted file at path, returning the set of relative
// paths it lists.
func verifyChecksums(root string, checksumData []byte) (map[string]bool, error) {
	listed := make(map[string]bool)
	lines := strings.Split(string(checksumData), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			fields = strings.Fields(line)
			if len(fields) != 2 {
				return nil, fmt.Errorf("malformed sha256sum line: %q", line)
			}
		}
		wantHex, relPath := fields[0], fields[1]
		listed[relPath] = true

		data, err := os.ReadFile(filepath.Join(root, relPath))
		if err != nil {
			return nil, fmt.Errorf("checksum target %q: %w", relPath, err)
		}
		sum := sha256.Sum256(data)
		gotHex := hex.EncodeToString(sum[:])
		if !strings.EqualFold(gotHex, wantHex) {
			return nil, fmt.Errorf("checksum mismatch for %q: want %s, got %s", relPath, wantHex, gotHex)
		}
	}
	return listed, nil
}

// pruneUnlisted removes every regular file under root that isn't named
// in listed (with the manifest itself always kept), so a bundle can
// never smuggle in content its own checksum file doesn't vouch for.
func pruneUnlisted(root string, listed map[string]bool) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "sha256sum.txt" || rel == "metadata.json" || listed[rel] {
			return nil
		}
		return os.Remove(path)
	})
}
