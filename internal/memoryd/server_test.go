package memoryd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := OpenStore(":memory:", StoreOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := NewServer(store, "127.0.0.1", 0, "secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, apiKey string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	resp.Body.Close()
	return resp, decoded
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp, body := post(t, ts, "/add", "", map[string]interface{}{"userId": "u", "content": "c"})
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Missing API key" {
		t.Errorf("missing key: status=%d body=%v", resp.StatusCode, body)
	}
	resp, body = post(t, ts, "/add", "wrong", map[string]interface{}{"userId": "u", "content": "c"})
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Invalid API key" {
		t.Errorf("wrong key: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestAddSearchOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := post(t, ts, "/add", "secret", map[string]interface{}{
		"userId":  "notes",
		"content": "remember: water plants",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("add: status=%d body=%v", resp.StatusCode, body)
	}
	firstID := body["id"]

	// Second identical add merges instead of inserting.
	resp, body = post(t, ts, "/add", "secret", map[string]interface{}{
		"userId":  "notes",
		"content": "remember: water plants",
	})
	if resp.StatusCode != http.StatusOK || body["deduplicated"] != true {
		t.Fatalf("second add not deduplicated: %v", body)
	}
	if body["id"] != firstID {
		t.Errorf("dedup id = %v, want %v", body["id"], firstID)
	}

	resp, body = post(t, ts, "/search", "secret", map[string]interface{}{
		"userId": "notes",
		"query":  "water plants",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	results, _ := body["results"].([]interface{})
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
}
