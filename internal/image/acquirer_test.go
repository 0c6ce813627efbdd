// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image_test

import (
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpivot/netpivot/internal/image"
)

func TestAcquirerCheckReachable(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		expectedErr error
	}{
		{
			name:   "ok",
			status: http.StatusOK,
		},
		{
			name:   "no content",
			status: http.StatusNoContent,
		},
		{
			name:        "missing",
			status:      http.StatusNotFound,
			expectedErr: &image.NetworkError{},
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			expectedErr: &image.NetworkError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}

			srv := httptest.NewServer(http.HandlerFunc(handler))
			t.Cleanup(srv.Close)

			acquirer := image.New(time.Second)

			err := acquirer.CheckReachable(
				t.Context(),
				srv.URL+"/missing.tar.gz",
			)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestAcquirerCheckReachableConnRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	acquirer := image.New(time.Second)

	err := acquirer.CheckReachable(t.Context(), srv.URL+"/root.squashfs")
	require.ErrorIs(t, err, &image.NetworkError{})
}

func TestAcquirerFetch(t *testing.T) {
	// Large enough to exercise the streamed copy path.
	payload := make([]byte, 50<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)

	destPath := filepath.Join(t.TempDir(), "root.tar.gz")

	acquirer := image.New(time.Minute)

	artifact, err := acquirer.Fetch(
		t.Context(),
		srv.URL+"/root.tar.gz",
		destPath,
	)
	require.NoError(t, err)

	assert.Equal(t, destPath, artifact.LocalPath)
	assert.Equal(t, image.FormatArchive, artifact.Format)
	assert.Equal(t, int64(len(payload)), artifact.Size)

	info, err := os.Stat(destPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
}

func TestAcquirerFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	destPath := filepath.Join(t.TempDir(), "root.tar.gz")

	acquirer := image.New(time.Second)

	_, err := acquirer.Fetch(t.Context(), srv.URL+"/root.tar.gz", destPath)
	require.ErrorIs(t, err, &image.DownloadError{})

	assert.NoFileExists(t, destPath)
}

func TestAcquirerFetchTruncated(t *testing.T) {
	handler := func(w http.ResponseWriter, _ *http.Request) {
		// Announce more than is sent so the client sees a short body.
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte("short"))

		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		panic(http.ErrAbortHandler)
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)

	destPath := filepath.Join(t.TempDir(), "root.squashfs")

	acquirer := image.New(time.Second)

	_, err := acquirer.Fetch(t.Context(), srv.URL+"/root.squashfs", destPath)
	require.ErrorIs(t, err, &image.DownloadError{})

	// Neither the published file nor the partial file may survive.
	assert.NoFileExists(t, destPath)
	assert.NoFileExists(t, destPath+".part")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected image.Format
	}{
		{
			name:     "tar gz",
			url:      "http://boot.example/images/root.tar.gz",
			expected: image.FormatArchive,
		},
		{
			name:     "cpio zst",
			url:      "http://boot.example/images/root.cpio.zst",
			expected: image.FormatArchive,
		},
		{
			name:     "squashfs",
			url:      "http://boot.example/images/root.squashfs",
			expected: image.FormatSquashfs,
		},
		{
			name:     "short squashfs suffix",
			url:      "http://boot.example/images/root.sfs",
			expected: image.FormatSquashfs,
		},
		{
			name:     "upper case squashfs",
			url:      "http://boot.example/images/ROOT.SQUASHFS",
			expected: image.FormatSquashfs,
		},
		{
			name:     "squashfs with query",
			url:      "http://boot.example/images/root.squashfs?v=7",
			expected: image.FormatSquashfs,
		},
		{
			name:     "unknown suffix defaults to archive",
			url:      "http://boot.example/images/root.img",
			expected: image.FormatArchive,
		},
		{
			name:     "no suffix defaults to archive",
			url:      "http://boot.example/images/root",
			expected: image.FormatArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, image.Classify(tt.url))
		})
	}
}
