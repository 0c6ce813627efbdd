// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package image validates and downloads root filesystem images.
//
// Images are fetched with plain HTTP(S) GET requests. There is no
// authentication and no integrity verification of the downloaded payload.
package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const partSuffix = ".part"

// Artifact describes a downloaded image on local storage.
type Artifact struct {
	URL       string
	LocalPath string
	Format    Format
	Size      int64
}

// Acquirer downloads remote images to local storage.
type Acquirer struct {
	client *http.Client
}

// New creates a new [Acquirer].
//
// The timeout bounds a complete request including the body download. Zero
// means no timeout.
func New(timeout time.Duration) *Acquirer {
	return &Acquirer{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckReachable probes the URL with a HEAD request.
//
// It returns a [NetworkError] if the transport fails or the server does not
// answer with a success status.
func (a *Acquirer) CheckReachable(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	return nil
}

// Fetch downloads the URL to destPath.
//
// The download is written to a partial file next to destPath and renamed
// into place once it completed and, if the server announced a content
// length, the size matched. On any failure the partial file is removed, so
// destPath either holds a complete image or nothing.
func (a *Acquirer) Fetch(
	ctx context.Context,
	url, destPath string,
) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		return nil, &DownloadError{URL: url, Err: err}
	}

	size, err := writeComplete(destPath, resp.Body, resp.ContentLength)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}

	return &Artifact{
		URL:       url,
		LocalPath: destPath,
		Format:    Classify(url),
		Size:      size,
	}, nil
}

// writeComplete writes src to path via a partial file that is cleaned up on
// any failure.
func writeComplete(path string, src io.Reader, want int64) (int64, error) {
	partPath := path + partSuffix

	part, err := os.OpenFile(
		partPath,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		0o600,
	)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}

	size, err := copyAll(part, src, want)
	if err != nil {
		_ = part.Close()
		_ = os.Remove(partPath)

		return 0, err
	}

	if err := part.Close(); err != nil {
		_ = os.Remove(partPath)
		return 0, fmt.Errorf("close partial file: %w", err)
	}

	if err := os.Rename(partPath, path); err != nil {
		_ = os.Remove(partPath)
		return 0, fmt.Errorf("publish: %w", err)
	}

	return size, nil
}

func copyAll(dst io.Writer, src io.Reader, want int64) (int64, error) {
	size, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("copy body: %w", err)
	}

	if want >= 0 && size != want {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, size, want)
	}

	return size, nil
}
