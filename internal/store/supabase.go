// Package store persists outfit analyses and captured frames in Supabase.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/neverendingsdreams/mira-stylist/internal/prefs"
)

const (
	analysesTable    = "outfit_analyses"
	preferencesTable = "user_preferences"
)

// DefaultHistoryLimit caps how many analyses the history view loads.
const DefaultHistoryLimit = 20

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Analysis is one saved outfit review: the captured frame plus the
// assistant's text for it.
type Analysis struct {
	ID        string    `json:"id"`
	ImageURL  string    `json:"image_url"`
	Text      string    `json:"analysis_text"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	client  *supabase.Client
	baseURL string
	bucket  string
}

func New(config Config) (*Store, error) {
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: create client: %w", err)
	}
	return &Store{
		client:  client,
		baseURL: strings.TrimRight(config.URL, "/"),
		bucket:  config.Bucket,
	}, nil
}

// SaveAnalysis uploads the captured JPEG to the bucket and inserts a row
// for it. The returned Analysis carries the generated id and public URL.
func (s *Store) SaveAnalysis(jpeg []byte, text string) (Analysis, error) {
	id := uuid.NewString()
	key := fmt.Sprintf("captures/%s.jpg", id)

	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(jpeg)); err != nil {
		return Analysis{}, fmt.Errorf("store: upload frame: %w", err)
	}

	a := Analysis{
		ID:        id,
		ImageURL:  fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	row := map[string]any{
		"id":            a.ID,
		"image_url":     a.ImageURL,
		"analysis_text": a.Text,
		"created_at":    a.CreatedAt.Format(time.RFC3339Nano),
	}
	if _, _, err := s.client.From(analysesTable).Insert(row, false, "", "", "").Execute(); err != nil {
		return Analysis{}, fmt.Errorf("store: insert analysis: %w", err)
	}
	return a, nil
}

// ListAnalyses returns up to limit analyses, newest first.
func (s *Store) ListAnalyses(limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	raw, _, err := s.client.From(analysesTable).
		Select("*", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("store: list analyses: %w", err)
	}
	var out []Analysis
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode analyses: %w", err)
	}
	return out, nil
}

// DeleteAnalysis removes one saved analysis by id.
func (s *Store) DeleteAnalysis(id string) error {
	if _, _, err := s.client.From(analysesTable).Delete("", "").Eq("id", id).Execute(); err != nil {
		return fmt.Errorf("store: delete analysis %s: %w", id, err)
	}
	return nil
}

// LoadPreferences returns the most recently updated styling profile, or a
// zero profile when the quiz has not been taken.
func (s *Store) LoadPreferences() (prefs.Profile, error) {
	raw, _, err := s.client.From(preferencesTable).
		Select("*", "", false).
		Order("updated_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		Execute()
	if err != nil {
		return prefs.Profile{}, fmt.Errorf("store: load preferences: %w", err)
	}
	var rows []prefs.Profile
	if err := json.Unmarshal(raw, &rows); err != nil {
		return prefs.Profile{}, fmt.Errorf("store: decode preferences: %w", err)
	}
	if len(rows) == 0 {
		return prefs.Profile{}, nil
	}
	return rows[0], nil
}

// ClearAll removes every saved analysis.
func (s *Store) ClearAll() error {
	nilID := uuid.Nil.String()
	if _, _, err := s.client.From(analysesTable).Delete("", "").Neq("id", nilID).Execute(); err != nil {
		return fmt.Errorf("store: clear analyses: %w", err)
	}
	return nil
}
