package domaintool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Result{
			Passed:   true,
			Output:   "title is Todos",
			Artifact: &Artifact{Type: "screenshot", Ext: "png", Data: []byte{0x89, 'P', 'N', 'G'}},
		})
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL+"/", time.Second)
	res, err := e.Execute(context.Background(), "browser_check", json.RawMessage(`{"url":"http://localhost:3000"}`))
	require.NoError(t, err)

	assert.Equal(t, "/tools/browser_check", gotPath)
	assert.JSONEq(t, `{"url":"http://localhost:3000"}`, string(gotBody["input"]))
	assert.True(t, res.Passed)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, res.Artifact.Data)
}

func TestHTTPExecutorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"browser crashed"}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, time.Second)
	_, err := e.Execute(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser crashed")

	_, err = e.Execute(context.Background(), "garbled", nil)
	assert.ErrorContains(t, err, "decode garbled response")
}

func TestFunc(t *testing.T) {
	var f Executor = Func(func(_ context.Context, name string, _ json.RawMessage) (*Result, error) {
		return &Result{Passed: name == "ok"}, nil
	})
	res, err := f.Execute(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}
