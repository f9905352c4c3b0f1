package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"collabkit/relay"
	"collabkit/runtime"
	"collabkit/types"
)

func newTestRelay() *httptest.Server {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	relay.NewServer().Register(router)
	return httptest.NewServer(router)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestAppendAndListUpdates(t *testing.T) {
	ts := newTestRelay()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/docs/demo/updates", map[string][]byte{"data": []byte("tx-1")})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	var appended struct {
		Seq int `json:"seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&appended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appended.Seq != 1 {
		t.Fatalf("seq = %d, want 1", appended.Seq)
	}

	listResp, err := http.Get(ts.URL + "/docs/demo/updates?since=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Updates [][]byte `json:"updates"`
		Next    int      `json:"next"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Updates) != 1 || string(listed.Updates[0]) != "tx-1" || listed.Next != 1 {
		t.Fatalf("listed = %+v", listed)
	}

	// The cursor excludes everything already seen.
	emptyResp, err := http.Get(ts.URL + "/docs/demo/updates?since=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer emptyResp.Body.Close()
	if err := json.NewDecoder(emptyResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Updates) != 0 {
		t.Fatalf("expected no new updates, got %d", len(listed.Updates))
	}
}

func TestAppendRejectsMissingData(t *testing.T) {
	ts := newTestRelay()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/docs/demo/updates", map[string]string{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStateRoundTrip(t *testing.T) {
	ts := newTestRelay()
	defer ts.Close()

	getResp, err := http.Get(ts.URL + "/docs/demo/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty state status = %d, want 404", getResp.StatusCode)
	}

	data, err := json.Marshal(map[string][]byte{"data": []byte("blob")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/docs/demo/state", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusNoContent {
		t.Fatalf("put status = %d", putResp.StatusCode)
	}

	getResp, err = http.Get(ts.URL + "/docs/demo/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	var got struct {
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Data) != "blob" {
		t.Fatalf("state = %q", got.Data)
	}
}

func TestProviderEndToEnd(t *testing.T) {
	ts := newTestRelay()
	defer ts.Close()

	docA := runtime.New(runtime.Options{ReplicaID: "aaa"})
	counterA := types.NewCounter(docA.Root(), "counter")
	provA := relay.NewProvider(ts.URL, "demo", docA, 20*time.Millisecond)

	docB := runtime.New(runtime.Options{ReplicaID: "bbb"})
	counterB := types.NewCounter(docB.Root(), "counter")
	provB := relay.NewProvider(ts.URL, "demo", docB, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = provA.Run(ctx) }()
	go func() { _ = provB.Run(ctx) }()

	provA.Do(func() { counterA.Add(3) })

	deadline := time.Now().Add(5 * time.Second)
	for {
		var got int64
		provB.Do(func() { got = counterB.Value() })
		if got == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("B never converged, value = %d", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
