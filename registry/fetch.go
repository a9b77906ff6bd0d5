package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/sirupsen/logrus"
)

var ErrNoSource = errors.New("no source configured")

// Fetcher downloads model artifacts from http(s):// or
// azblob://<container>/<blob> locations.
type Fetcher struct {
	client *http.Client
	blob   *azblob.Client
	log    logrus.FieldLogger
	// staleAfter is how old a leftover .part file must be before a later
	// fetch of the same artifact removes it.
	staleAfter time.Duration
}

func NewFetcher(azureAccount, azureKey string, log logrus.FieldLogger) (*Fetcher, error) {
	f := &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          4,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (limit: 5)")
				}
				return nil
			},
		},
		log:        log,
		staleAfter: 10 * time.Minute,
	}

	if azureAccount == "" {
		return f, nil
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", azureAccount)
	if azureKey == "" {
		client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating blob client: %w", err)
		}
		f.blob = client
		return f, nil
	}

	credential, err := azblob.NewSharedKeyCredential(azureAccount, azureKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure storage credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating blob client: %w", err)
	}
	f.blob = client
	return f, nil
}

// Fetch writes the artifact at source to dest. The download lands in a temp
// file next to dest and is renamed into place only when complete.
func (f *Fetcher) Fetch(ctx context.Context, source, dest string) error {
	if source == "" {
		return ErrNoSource
	}

	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("invalid model source %q: %w", source, err)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = f.openHTTP(ctx, source)
	case "azblob":
		body, err = f.openBlob(ctx, u)
	default:
		return fmt.Errorf("unsupported model source scheme %q", u.Scheme)
	}
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("error creating models directory: %w", err)
	}
	f.sweepPartials(dest, time.Now().Add(-f.staleAfter))

	start := time.Now()
	n, err := extractFile(body, dest)
	if err != nil {
		return err
	}

	f.log.WithFields(logrus.Fields{
		"source":   source,
		"dest":     dest,
		"bytes":    n,
		"duration": time.Since(start),
	}).Info("Fetched model artifact")
	return nil
}

func (f *Fetcher) openHTTP(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "object-detection-service/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed: %s returned %s", source, resp.Status)
	}
	return resp.Body, nil
}

func (f *Fetcher) openBlob(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.blob == nil {
		return nil, fmt.Errorf("azblob source %s needs AZURE_STORAGE_ACCOUNT", u.String())
	}

	containerName := u.Host
	blobName := strings.TrimPrefix(u.Path, "/")
	if containerName == "" || blobName == "" {
		return nil, fmt.Errorf("azblob source must look like azblob://<container>/<blob>, got %s", u.String())
	}

	resp, err := f.blob.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	return resp.Body, nil
}

// sweepPartials removes temp files left by interrupted fetches of dest that
// were last written before cutoff. Newer ones may belong to a fetch that is
// still running in another process.
func (f *Fetcher) sweepPartials(dest string, cutoff time.Time) {
	dir, prefix := filepath.Dir(dest), filepath.Base(dest)+"."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			f.log.WithError(err).WithField("path", path).Warn("Could not remove stale partial download")
			continue
		}
		f.log.WithField("path", path).Info("Removed stale partial download")
	}
}

// extractFile copies src into destPath through a temp file in the same
// directory, so readers never see a partial artifact.
func extractFile(src io.Reader, destPath string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("error creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("error writing %s: %w", destPath, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("error moving artifact into place: %w", err)
	}
	return n, nil
}
