package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
)

func newTestClient(t *testing.T, serverURL string, docs blob.Reader) *MistralClient {
	t.Helper()
	c, err := NewMistralClient(MistralConfig{
		APIKey:    "test-key",
		BaseURL:   serverURL,
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewMistralClient() error = %v", err)
	}
	return c
}

func TestMistralClient_AnalyzeRemoteDocument(t *testing.T) {
	var got ocrRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected authorization: %s", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}

		resp := ocrResponse{Model: "mistral-ocr-latest", UsageInfo: &ocrUsageInfo{PagesProcessed: 3}}
		for _, idx := range got.Pages {
			resp.Pages = append(resp.Pages, ocrPage{
				Index:      idx,
				Markdown:   "text",
				Dimensions: ocrPageDimensions{Width: 1700, Height: 2200, DPI: 200},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages, err := client.Analyze(context.Background(), "https://example.com/report.pdf", chunk.Range{Start: 51, End: 53})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if got.Document.Type != "document_url" || got.Document.DocumentURL != "https://example.com/report.pdf" {
		t.Errorf("document = %+v", got.Document)
	}
	if want := []int{50, 51, 52}; !reflect.DeepEqual(got.Pages, want) {
		t.Errorf("requested pages = %v, want %v", got.Pages, want)
	}
	if want := []int{51, 52, 53}; !reflect.DeepEqual(PageNumbers(pages), want) {
		t.Errorf("page numbers = %v, want %v", PageNumbers(pages), want)
	}
	if pages[0].Metadata["model"] != "mistral-ocr-latest" {
		t.Errorf("metadata = %v", pages[0].Metadata)
	}
}

func TestMistralClient_APIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
		wantMsg   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, true, "bad key"},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, false, "slow down"},
		{"server error", http.StatusInternalServerError, `oops`, false, "oops"},
		{"request timeout", http.StatusRequestTimeout, ``, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.Analyze(context.Background(), "https://example.com/a.pdf", chunk.Range{Start: 1, End: 2})

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Analyze() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestMistralClient_RateLimitedDrainsBucket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, _ = client.Analyze(context.Background(), "https://example.com/a.pdf", chunk.Range{Start: 1, End: 1})

	st := client.limiter.Status()
	if st.TokensAvailable != 0 {
		t.Errorf("TokensAvailable = %d, want 0 after 429", st.TokensAvailable)
	}
	if st.LastThrottled.IsZero() {
		t.Error("LastThrottled not recorded")
	}
}

func TestMistralClient_StoredDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer server.Close()

	t.Run("without a document store", func(t *testing.T) {
		client := newTestClient(t, server.URL, nil)
		_, err := client.Analyze(context.Background(), "staging/a.pdf", chunk.Range{Start: 1, End: 1})
		if !IsPermanent(err) {
			t.Errorf("Analyze() error = %v, want permanent", err)
		}
	})

	t.Run("missing document", func(t *testing.T) {
		client := newTestClient(t, server.URL, blob.NewMemoryStore())
		_, err := client.Analyze(context.Background(), "staging/a.pdf", chunk.Range{Start: 1, End: 1})
		if !errors.Is(err, blob.ErrNotFound) {
			t.Errorf("Analyze() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("not a pdf", func(t *testing.T) {
		docs := blob.NewMemoryStore()
		docs.Put("staging/a.pdf", []byte("plain text"))
		client := newTestClient(t, server.URL, docs)
		if _, err := client.Analyze(context.Background(), "staging/a.pdf", chunk.Range{Start: 1, End: 1}); err == nil {
			t.Error("Analyze() succeeded on invalid PDF")
		}
	})
}

func TestNewMistralClient_RequiresKey(t *testing.T) {
	if _, err := NewMistralClient(MistralConfig{}); err == nil {
		t.Error("NewMistralClient() without key succeeded")
	}
}
