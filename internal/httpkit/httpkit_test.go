package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewClientSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(gotUA, "marginalia/") {
		t.Errorf("User-Agent = %q, want marginalia/ prefix", gotUA)
	}
}

func TestNewClientPreservesExplicitUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "custom-agent/1.0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if gotUA != "custom-agent/1.0" {
		t.Errorf("User-Agent = %q, want custom-agent/1.0", gotUA)
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		body  io.ReadCloser
		limit int64
		want  string
	}{
		{
			name:  "nil body",
			body:  nil,
			limit: 100,
			want:  "",
		},
		{
			name:  "short body",
			body:  io.NopCloser(strings.NewReader("provider exploded")),
			limit: 100,
			want:  "provider exploded",
		},
		{
			name:  "truncated at limit",
			body:  io.NopCloser(strings.NewReader("abcdefgh")),
			limit: 4,
			want:  "abcd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReadErrorBody(tt.body, tt.limit)
			if got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}
