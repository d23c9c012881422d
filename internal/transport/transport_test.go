// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTimeoutClassification(t *testing.T) {
	require.True(t, IsTimeout(0))
	require.False(t, IsTimeout(200))
	require.False(t, IsTimeout(404))
	require.False(t, IsTimeout(500))
}

func TestPerformGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp := Perform(context.Background(), "GET", Request{URL: srv.URL, TimeoutSeconds: 5})
	require.Equal(t, 200, resp.ResCode)
	require.Equal(t, "ok", string(resp.Result))
	require.Empty(t, resp.ErrorMsg)
}

func TestPerformNetworkErrorYieldsZeroCode(t *testing.T) {
	resp := Perform(context.Background(), "GET", Request{URL: "http://127.0.0.1:1", TimeoutSeconds: 1})
	require.Equal(t, 0, resp.ResCode)
	require.NotEmpty(t, resp.ErrorMsg)
	require.True(t, IsTimeout(resp.ResCode))
}

func TestPerformGzipResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gzWriteString(w, "hello gzip")
	}))
	defer srv.Close()

	resp := Perform(context.Background(), "GET", Request{URL: srv.URL, TimeoutSeconds: 5})
	require.Equal(t, 200, resp.ResCode)
	require.Equal(t, "hello gzip", string(resp.Result))
}

func TestURLEncodeDecodeRoundTrip(t *testing.T) {
	vectors := []string{"hello world", "a/b?c=d&e", "100% safe_value-1.2~3", ""}
	for _, v := range vectors {
		enc := URLEncode(v)
		dec, err := URLDecode(enc)
		require.NoError(t, err)
		require.Equal(t, v, dec)
	}
}

func TestURLEncodeLeavesUnreservedAlone(t *testing.T) {
	require.Equal(t, "abcXYZ019-_.~", URLEncode("abcXYZ019-_.~"))
	require.Equal(t, "%20", URLEncode(" "))
}

func gzWriteString(w http.ResponseWriter, s string) {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	gz.Write([]byte(s))
}
