// Package build resolves the editor build artifacts a session serves: either
// a local source tree, or a packaged web build downloaded for a quality
// channel and cached per version.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/editkit/webtest/lib/logger"
)

// Kind tags a Descriptor.
type Kind string

const (
	Packaged Kind = "packaged"
	Sources  Kind = "sources"
)

// Descriptor identifies the build artifacts to serve. Produced once per
// session and read-only afterwards.
type Descriptor struct {
	Kind     Kind
	Location string
	// Version is set for packaged builds.
	Version string
}

// Qualities accepted by Resolve when the argument is not a sources path.
const (
	QualityStable  = "stable"
	QualityInsider = "insider"
)

var ErrUnknownQuality = errors.New("unknown quality channel")

// DefaultUpdateURL is the release metadata endpoint queried for packaged
// builds. Override via Resolver.UpdateURL (tests point it at a local server).
const DefaultUpdateURL = "https://update.editkit.dev"

// releaseInfo is the JSON shape returned by the update endpoint.
type releaseInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Resolver downloads and caches packaged builds.
type Resolver struct {
	UpdateURL string
	CacheDir  string
	Client    *http.Client
}

func NewResolver(cacheDir string) *Resolver {
	return &Resolver{
		UpdateURL: DefaultUpdateURL,
		CacheDir:  cacheDir,
		Client:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// DefaultCacheDir returns the per-user cache location for downloaded builds.
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "webtest"), nil
}

// Resolve produces a Descriptor for either a path to editor sources or a
// quality channel. The returned location is guaranteed to exist on disk.
func (r *Resolver) Resolve(ctx context.Context, qualityOrPath string) (Descriptor, error) {
	if qualityOrPath != QualityStable && qualityOrPath != QualityInsider {
		info, err := os.Stat(qualityOrPath)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %q is neither a quality channel nor an existing path", ErrUnknownQuality, qualityOrPath)
		}
		if !info.IsDir() {
			return Descriptor{}, fmt.Errorf("sources path %q is not a directory", qualityOrPath)
		}
		abs, err := filepath.Abs(qualityOrPath)
		if err != nil {
			return Descriptor{}, fmt.Errorf("absolutize sources path: %w", err)
		}
		return Descriptor{Kind: Sources, Location: abs}, nil
	}
	return r.resolvePackaged(ctx, qualityOrPath)
}

func (r *Resolver) resolvePackaged(ctx context.Context, quality string) (Descriptor, error) {
	log := logger.FromContext(ctx)

	release, err := r.latestRelease(ctx, quality)
	if err != nil {
		return Descriptor{}, fmt.Errorf("resolve latest %s release: %w", quality, err)
	}

	dest := filepath.Join(r.CacheDir, fmt.Sprintf("%s-%s", quality, release.Version))
	if _, err := os.Stat(dest); err == nil {
		log.Info("using cached build", "quality", quality, "version", release.Version, "path", dest)
		return Descriptor{Kind: Packaged, Location: dest, Version: release.Version}, nil
	} else if !os.IsNotExist(err) {
		return Descriptor{}, fmt.Errorf("check build cache: %w", err)
	}

	log.Info("downloading build", "quality", quality, "version", release.Version, "url", release.URL)
	archive, err := r.download(ctx, release.URL)
	if err != nil {
		return Descriptor{}, fmt.Errorf("download build: %w", err)
	}
	defer os.Remove(archive)

	// Extract into a staging dir first so a failed extraction never leaves a
	// half-populated cache entry behind.
	staging := dest + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return Descriptor{}, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := extractArchive(archive, release.URL, staging); err != nil {
		os.RemoveAll(staging)
		return Descriptor{}, fmt.Errorf("extract build: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return Descriptor{}, fmt.Errorf("finalize build cache entry: %w", err)
	}

	log.Info("build ready", "path", dest)
	return Descriptor{Kind: Packaged, Location: dest, Version: release.Version}, nil
}

func (r *Resolver) latestRelease(ctx context.Context, quality string) (releaseInfo, error) {
	var release releaseInfo
	url := fmt.Sprintf("%s/api/latest/%s", strings.TrimSuffix(r.UpdateURL, "/"), quality)
	err := retry.New(
		retry.Attempts(3),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		rsp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer rsp.Body.Close()
		if err := checkStatus(rsp.StatusCode, "update endpoint"); err != nil {
			return err
		}
		return json.NewDecoder(rsp.Body).Decode(&release)
	})
	if err != nil {
		return releaseInfo{}, err
	}
	if release.Version == "" || release.URL == "" {
		return releaseInfo{}, fmt.Errorf("update endpoint returned incomplete metadata")
	}
	return release, nil
}

// download fetches url into a temp file and returns its path.
func (r *Resolver) download(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(r.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	var path string
	err := retry.New(
		retry.Attempts(3),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		rsp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer rsp.Body.Close()
		if err := checkStatus(rsp.StatusCode, "download"); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(r.CacheDir, "build-*.part")
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if _, err := io.Copy(tmp, rsp.Body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		path = tmp.Name()
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// checkStatus maps a non-200 response to a retry decision: client errors will
// not improve on retry, server errors and the rest might.
func checkStatus(code int, what string) error {
	if code == http.StatusOK {
		return nil
	}
	err := fmt.Errorf("%s returned %d", what, code)
	if code >= 400 && code < 500 {
		return retry.Unrecoverable(err)
	}
	return err
}

// extractArchive picks the extraction format from the archive's URL suffix.
func extractArchive(path, sourceURL, dest string) error {
	switch {
	case strings.HasSuffix(sourceURL, ".zip"):
		return Unzip(path, dest)
	case strings.HasSuffix(sourceURL, ".tar.gz"), strings.HasSuffix(sourceURL, ".tgz"):
		return UntarGz(path, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", sourceURL)
	}
}
