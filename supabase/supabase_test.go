package supabase

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

type capturedRequest struct {
	method string
	path   string
	header http.Header
	rows   []row
}

func newTestServer(t *testing.T, status int, delay time.Duration) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []row
		json.NewDecoder(r.Body).Decode(&rows)
		mu.Lock()
		requests = append(requests, capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), rows: rows})
		mu.Unlock()

		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			w.Write([]byte(`{"message":"relation does not exist","code":"42P01"}`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("", "anon", "", "public")
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	server, requests := newTestServer(t, http.StatusCreated, 0)
	client, err := New(server.URL, "anon-key", "user-jwt", "inverters")
	require.NoError(t, err)

	err = client.Upload("readings", []row{{ID: "a", Value: 230}, {ID: "b", Value: 50}})
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.True(t, strings.HasSuffix(got[0].path, "/readings"), got[0].path)
	assert.Equal(t, "inverters", got[0].header.Get("Content-Profile"))
	assert.Equal(t, "inverters", got[0].header.Get("Accept-Profile"))
	assert.Equal(t, "Bearer user-jwt", got[0].header.Get("Authorization"))
	assert.Equal(t, []row{{ID: "a", Value: 230}, {ID: "b", Value: 50}}, got[0].rows)
	assert.False(t, client.shouldReconnect)
}

func TestUpload_ErrorMarksReconnect(t *testing.T) {
	server, _ := newTestServer(t, http.StatusNotFound, 0)
	client, err := New(server.URL, "anon-key", "", "inverters")
	require.NoError(t, err)

	err = client.Upload("readings", []row{{ID: "a"}})

	assert.ErrorContains(t, err, "insert into readings")
	assert.True(t, client.shouldReconnect)
}

func TestUpload_Timeout(t *testing.T) {
	server, _ := newTestServer(t, http.StatusCreated, 200*time.Millisecond)
	client, err := New(server.URL, "anon-key", "", "inverters")
	require.NoError(t, err)
	client.timeout = 10 * time.Millisecond

	err = client.Upload("readings", []row{{ID: "a"}})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, client.shouldReconnect)
}
