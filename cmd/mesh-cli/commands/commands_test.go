package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// stubLayer answers every call with the method name and params it saw.
func stubLayer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": 1,
				"error": map[string]any{"code": -32001, "message": "unauthorized"},
			})
			return
		}
		var req struct {
			Method string `json:"method"`
			Params any    `json:"params"`
			ID     any    `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"method": req.Method, "params": req.Params},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// run executes the CLI against an empty shared directory unless args name
// one, so a local layers.json never leaks into a test.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--shared", t.TempDir()}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	srv := stubLayer(t, "l2-layer-token-2026")
	out, err := run(t, "--rpc", srv.URL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"method": "mesh_getStatus"`) {
		t.Fatalf("output = %s", out)
	}
}

func TestDerivedCredential(t *testing.T) {
	srv := stubLayer(t, "core-a-layer-token-2026")
	if _, err := run(t, "--rpc", srv.URL, "--layer", "core-a", "identity", "compute"); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, err := run(t, "--rpc", srv.URL, "--layer", "core-b", "identity", "compute"); err == nil {
		t.Fatal("expected unauthorized with another layer's token")
	}
}

func TestSend(t *testing.T) {
	srv := stubLayer(t, "secret")
	out, err := run(t, "--rpc", srv.URL, "--token", "secret", "send", "core-a", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, `"to": "core-a"`) || !strings.Contains(out, `"message": "hello"`) {
		t.Fatalf("output = %s", out)
	}
}

func TestSend_RequiresMessageOrParams(t *testing.T) {
	if _, err := run(t, "--rpc", "http://127.0.0.1:1", "--token", "x", "send", "l1"); err == nil {
		t.Fatal("expected error without message or params")
	}
	if _, err := run(t, "--rpc", "http://127.0.0.1:1", "--token", "x", "send", "l1", "--params", "{bad"); err == nil {
		t.Fatal("expected error for invalid params JSON")
	}
}

func TestUnknownLayer(t *testing.T) {
	if _, err := run(t, "--layer", "l9", "health"); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}

func TestSharedTopologyOverride(t *testing.T) {
	srv := stubLayer(t, "override-token")
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	shared := t.TempDir()
	doc := fmt.Sprintf(`{"layers": {
		"l2": {"port": %d, "host": "127.0.0.1", "adjacent": ["core-a"], "token": "override-token"},
		"core-a": {"port": 1, "adjacent": ["l2"]}
	}}`, port)
	if err := os.WriteFile(filepath.Join(shared, "layers.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--shared", shared, "health")
	if err != nil {
		t.Fatalf("health via override: %v", err)
	}
	if !strings.Contains(out, `"method": "health"`) {
		t.Fatalf("output = %s", out)
	}

	// Without the override the default l2 address and token are used.
	if _, err := run(t, "--timeout", "200ms", "--rpc", srv.URL, "health"); err == nil {
		t.Fatal("default token accepted by a layer expecting the override token")
	}
}
