package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies inference failures so the session controller can
// surface distinct user-facing messages.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindRateLimited
	KindQuotaExceeded
	KindEmptyOrFiltered
	KindInvalidShape
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindEmptyOrFiltered:
		return "empty_or_filtered"
	case KindInvalidShape:
		return "invalid_response_shape"
	default:
		return "transport_error"
	}
}

// Error is returned for all inference failures.
type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference %s: status=%d %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("inference %s: %s", e.Kind, e.Msg)
}

// ResultKind distinguishes the response variants the backend can produce.
type ResultKind int

const (
	ReplyText ResultKind = iota
	ReplyCameraRequest
	ReplyImage
	ReplyProducts
)

// ProductLink is a shoppable suggestion attached to a styling reply.
type ProductLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Price string `json:"price,omitempty"`
}

// Result is the decoded backend response as a tagged union: exactly one kind,
// with Text populated for every kind that carries a spoken reply.
type Result struct {
	Kind     ResultKind
	Text     string
	ImageURL string
	Products []ProductLink
}

// Message is one prior conversation turn sent for context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one user turn to the stylist backend. ImageData, when set,
// holds a data-URL-encoded JPEG captured from the live camera.
type Request struct {
	Text        string            `json:"text,omitempty"`
	ImageData   string            `json:"imageData,omitempty"`
	History     []Message         `json:"conversationHistory"`
	Preferences map[string]string `json:"userPreferences,omitempty"`
}

type wireResponse struct {
	Text         string        `json:"text"`
	Action       string        `json:"action"`
	ImageURL     string        `json:"imageUrl"`
	ProductLinks []ProductLink `json:"productLinks"`
	ErrMsg       string        `json:"error"`
}

// Client performs a single request per turn against the stylist backend.
// It never retries; the session controller decides what happens on failure.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	Model      string
}

func NewClient(endpoint, apiKey, model string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Model:      model,
	}
}

// Infer sends one (text, optional image, history, preferences) tuple and
// decodes the structured reply.
func (c *Client) Infer(ctx context.Context, r Request) (Result, error) {
	if c.Endpoint == "" {
		return Result{}, &Error{Kind: KindTransport, Msg: "inference endpoint not configured"}
	}

	body := struct {
		Request
		Model string `json:"model,omitempty"`
	}{Request: r, Model: c.Model}
	if body.History == nil {
		body.History = []Message{}
	}

	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return Result{}, &Error{Kind: KindTransport, Msg: err.Error()}
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, &Error{Kind: KindTransport, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := KindTransport
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			kind = KindRateLimited
		case http.StatusPaymentRequired:
			kind = KindQuotaExceeded
		}
		return Result{}, &Error{Kind: kind, Status: resp.StatusCode, Msg: strings.TrimSpace(string(b))}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Result{}, &Error{Kind: KindInvalidShape, Status: resp.StatusCode, Msg: err.Error()}
	}
	return classify(wire)
}

// classify maps the optional-field wire shape onto the Result union.
func classify(wire wireResponse) (Result, error) {
	text := strings.TrimSpace(wire.Text)
	switch {
	case wire.Action == "show_camera":
		return Result{Kind: ReplyCameraRequest, Text: text}, nil
	case wire.Action != "":
		return Result{}, &Error{Kind: KindInvalidShape, Msg: fmt.Sprintf("unknown action %q", wire.Action)}
	case len(wire.ProductLinks) > 0:
		return Result{Kind: ReplyProducts, Text: text, ImageURL: wire.ImageURL, Products: wire.ProductLinks}, nil
	case wire.ImageURL != "":
		return Result{Kind: ReplyImage, Text: text, ImageURL: wire.ImageURL}, nil
	case text != "":
		return Result{Kind: ReplyText, Text: text}, nil
	default:
		msg := wire.ErrMsg
		if msg == "" {
			msg = "no usable text in response"
		}
		return Result{}, &Error{Kind: KindEmptyOrFiltered, Msg: msg}
	}
}
