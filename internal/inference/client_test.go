package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInfer_NoEndpoint(t *testing.T) {
	c := NewClient("", "", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Infer(ctx, Request{Text: "hi"}); err == nil {
		t.Fatalf("expected error with missing endpoint")
	}
}

func TestInfer_ErrorKinds(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    ErrorKind
	}{
		{"rate_limited", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(429) }, KindRateLimited},
		{"quota", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(402) }, KindQuotaExceeded},
		{"server_error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, KindTransport},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }, KindInvalidShape},
		{"empty_text", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"text":"  "}`)) }, KindEmptyOrFiltered},
		{"unknown_action", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"action":"dance"}`)) }, KindInvalidShape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClient(srv.URL, "key", "model")
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := c.Infer(ctx, Request{Text: "hi"})
			if err == nil {
				t.Fatalf("expected error")
			}
			var ie *Error
			if !errors.As(err, &ie) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if ie.Kind != tc.want {
				t.Fatalf("kind: got %s want %s", ie.Kind, tc.want)
			}
		})
	}
}

func TestInfer_ResultVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want ResultKind
	}{
		{"text", `{"text":"Love the jacket."}`, ReplyText},
		{"camera", `{"action":"show_camera","text":"Let me take a look!"}`, ReplyCameraRequest},
		{"image", `{"text":"Try this.","imageUrl":"https://img.example/1.jpg"}`, ReplyImage},
		{"products", `{"text":"Here are options.","productLinks":[{"title":"Denim Jacket","url":"https://shop.example/d"}]}`, ReplyProducts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := NewClient(srv.URL, "key", "model")
			res, err := c.Infer(context.Background(), Request{Text: "hi"})
			if err != nil {
				t.Fatalf("infer: %v", err)
			}
			if res.Kind != tc.want {
				t.Fatalf("kind: got %d want %d", res.Kind, tc.want)
			}
		})
	}
}

func TestInfer_SendsHistoryAndImage(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "secret", "model")
	_, err := c.Infer(context.Background(), Request{
		Text:      "how does this look",
		ImageData: "data:image/jpeg;base64,xxxx",
		History:   []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	body := string(gotBody)
	for _, frag := range []string{"conversationHistory", "imageData", "how does this look"} {
		if !strings.Contains(body, frag) {
			t.Fatalf("body missing %q: %s", frag, body)
		}
	}
}
