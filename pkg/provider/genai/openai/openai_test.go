package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/genai"
	"github.com/MrWong99/parley/pkg/retry"
)

func TestBuildRequest(t *testing.T) {
	p := &Provider{model: "gpt-4o-audio-preview"}

	t.Run("audio user message and voice", func(t *testing.T) {
		body, err := p.buildRequest(genai.Request{
			SystemPrompt: "You are Dana.",
			Messages: []genai.Message{
				{Role: genai.RoleAssistant, Text: "Hello."},
				{Role: genai.RoleUser, Text: "context", Audio: []byte{1, 2, 3}, AudioFormat: "mp3"},
			},
			Voice: &genai.Voice{Name: "alloy"},
		})
		if err != nil {
			t.Fatalf("buildRequest: %v", err)
		}
		if len(body.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(body.Messages))
		}
		parts, ok := body.Messages[2].Content.([]contentPart)
		if !ok {
			t.Fatalf("user content = %T, want []contentPart", body.Messages[2].Content)
		}
		if len(parts) != 2 || parts[1].Type != "input_audio" {
			t.Fatalf("parts = %+v", parts)
		}
		if parts[1].InputAudio.Data != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
			t.Error("audio not base64 encoded")
		}
		if body.Audio == nil || body.Audio.Voice != "alloy" || body.Audio.Format != "mp3" {
			t.Errorf("audio settings = %+v", body.Audio)
		}
		if len(body.Modalities) != 2 {
			t.Errorf("modalities = %v", body.Modalities)
		}
	})

	t.Run("text only", func(t *testing.T) {
		body, err := p.buildRequest(genai.Request{Messages: []genai.Message{{Role: genai.RoleUser, Text: "hi"}}})
		if err != nil {
			t.Fatalf("buildRequest: %v", err)
		}
		if body.Audio != nil || body.Modalities != nil {
			t.Error("text-only request must not ask for audio")
		}
		if body.Messages[0].Content != "hi" {
			t.Errorf("content = %v", body.Messages[0].Content)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := p.buildRequest(genai.Request{}); err == nil {
			t.Error("expected error for empty request")
		}
		if _, err := p.buildRequest(genai.Request{Messages: []genai.Message{{Role: "tool"}}}); err == nil {
			t.Error("expected error for unknown role")
		}
	})
}

func TestGenerate_DecodesAudio(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("ID3-audio"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Audio == nil {
			t.Error("expected audio settings in request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":null,"audio":{"data":"`+audio+`","transcript":" Hi, I am Dana. "}}}]}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Generate(context.Background(), genai.Request{
		Messages: []genai.Message{{Role: genai.RoleUser, Text: "start"}},
		Voice:    &genai.Voice{Name: "alloy", Format: "mp3"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hi, I am Dana." {
		t.Errorf("Text = %q", res.Text)
	}
	if string(res.Audio) != "ID3-audio" || res.AudioFormat != "mp3" {
		t.Errorf("Audio = %q (%s)", res.Audio, res.AudioFormat)
	}
}

func TestGenerate_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream"}}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0))
	_, err := p.Generate(context.Background(), genai.Request{Messages: []genai.Message{{Role: genai.RoleUser, Text: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsRetryable(err) {
		t.Error("502 should be retryable")
	}
	if retry.StatusCode(err) != http.StatusBadGateway {
		t.Errorf("status = %d", retry.StatusCode(err))
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("content type: %v", err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		fields := map[string]string{}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			fields[part.FormName()] = string(data)
		}
		if fields["model"] != "whisper-1" {
			t.Errorf("model = %q", fields["model"])
		}
		if fields["language"] != "en" {
			t.Errorf("language = %q", fields["language"])
		}
		if fields["file"] != "mp3-bytes" {
			t.Errorf("file = %q", fields["file"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" I'd like a refund. "}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", WithBaseURL(srv.URL), WithLanguage("en"), WithMaxRetries(0))
	res, err := p.Transcribe(context.Background(), []byte("mp3-bytes"), "mp3")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "I'd like a refund." {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	p, _ := New("sk-test", WithBaseURL("http://127.0.0.1:1"), WithMaxRetries(0))
	_, err := p.Transcribe(context.Background(), nil, "mp3")
	if !errors.Is(err, genai.ErrTranscription) {
		t.Errorf("empty audio: err = %v, want ErrTranscription", err)
	}
	if retry.IsRetryable(err) {
		t.Error("empty audio must not be retryable")
	}

	_, err = p.Transcribe(context.Background(), []byte("x"), "mp3")
	if err == nil || errors.Is(err, genai.ErrTranscription) {
		t.Errorf("transport failure: err = %v, want a non-recognition error", err)
	}
	if !retry.IsRetryable(err) {
		t.Error("transport failure should be retryable")
	}
}

func TestTranscribe_RejectedAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid file format."}}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0))
	_, err := p.Transcribe(context.Background(), []byte("noise"), "mp3")
	if !errors.Is(err, genai.ErrTranscription) {
		t.Errorf("err = %v, want ErrTranscription", err)
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantHits int32
		wantErr  bool
	}{
		{"server error then success", []int{http.StatusBadGateway, http.StatusOK}, 2, false},
		{"rate limited then success", []int{http.StatusTooManyRequests, http.StatusOK}, 2, false},
		{"bad request is not repeated", []int{http.StatusBadRequest, http.StatusOK}, 1, true},
		{"unauthorized is not repeated", []int{http.StatusUnauthorized, http.StatusOK}, 1, true},
		{"budget spent", []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				if status := tt.statuses[n-1]; status != http.StatusOK {
					w.WriteHeader(status)
					_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
					return
				}
				_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"Hello."}}]}`)
			}))
			defer srv.Close()

			p, _ := New("sk-test", WithBaseURL(srv.URL), WithMaxRetries(1), WithRetryBackoff(time.Millisecond))
			_, err := p.Generate(context.Background(), genai.Request{Messages: []genai.Message{{Role: genai.RoleUser, Text: "x"}}})
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("requests = %d, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error")
	}
}
