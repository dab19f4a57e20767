package main

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	libp2poplog "github.com/libp2p/go-libp2p-oplog"
	"github.com/libp2p/go-libp2p-oplog/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, path, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out, err := ioutil.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(out)
}

func TestHandler(t *testing.T) {
	ident, err := identity.Generate()
	require.NoError(t, err)
	db, err := libp2poplog.Open(context.Background(), "http", ident, nil,
		libp2poplog.WithDirectory(""),
		libp2poplog.WithInstrument(true),
	)
	require.NoError(t, err)
	defer db.Close()

	h := newHandler(context.Background(), db, nil)

	code, hash := do(t, h, http.MethodPut, "/", "hello")
	require.Equal(t, http.StatusOK, code)
	hash = strings.TrimSpace(hash)
	require.NotEmpty(t, hash)

	code, body := do(t, h, http.MethodGet, "/"+hash, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", body)

	code, body = do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, hash+":hello\n", body)

	code, _ = do(t, h, http.MethodGet, "/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, h, http.MethodGet, "/_stats", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "entries: puts=1")

	code, _ = do(t, h, http.MethodDelete, "/", "")
	assert.Equal(t, http.StatusNotFound, code)
}
