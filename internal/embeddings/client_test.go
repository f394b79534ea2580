package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{name: "identical", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1.0},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0.0},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, expected: -1.0},
		{name: "scaled", a: []float32{1, 2}, b: []float32{2, 4}, expected: 1.0},
		{name: "mismatched length", a: []float32{1}, b: []float32{1, 2}, expected: 0.0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 2}, expected: 0.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	var gotModel, gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, gotInput = body.Model, body.Input

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"model": "test-embed",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.25, -0.5, 1]}],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test", Model: "test-embed"})
	got, err := c.Generate(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Generate(): %v", err)
	}
	want := []float32{0.25, -0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("Generate() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Generate()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if gotModel != "test-embed" || gotInput != "hello there" {
		t.Errorf("request model=%q input=%q", gotModel, gotInput)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"nope"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test"})
	if _, err := c.Generate(context.Background(), "x"); err == nil {
		t.Fatal("Generate() succeeded against failing server")
	}
}

func TestGenerate_RetriesRefusedConnection(t *testing.T) {
	url := listenLate(t, 50*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1]}]}`))
	}))

	c := New(Config{BaseURL: url, APIKey: "test", Model: "m"})
	got, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate(): %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("Generate() = %v, want [1]", got)
	}
}

// listenLate reserves a loopback address and starts serving h on it only
// after delay, so the first connection attempt is refused.
func listenLate(t *testing.T, delay time.Duration, h http.Handler) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen(): %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	srv := &http.Server{Handler: h}
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(delay)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("Listen(%s): %v", addr, err)
			return
		}
		srv.Serve(l)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return "http://" + addr
}
