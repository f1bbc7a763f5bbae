// Package prefs holds the user's styling profile used to personalize
// assistant replies.
package prefs

import "strings"

// Profile captures the answers from the personalization quiz. All fields
// are optional; empty fields are omitted from inference requests.
type Profile struct {
	Gender    string   `json:"gender,omitempty"`
	Style     string   `json:"style,omitempty"`
	Colors    []string `json:"colors,omitempty"`
	Occasions []string `json:"occasions,omitempty"`
	Fit       string   `json:"fit,omitempty"`
	Budget    string   `json:"budget,omitempty"`
}

// Map flattens the profile into the key/value shape the inference
// endpoint expects. Empty fields are dropped.
func (p Profile) Map() map[string]string {
	m := make(map[string]string)
	put := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			m[k] = v
		}
	}
	put("gender", p.Gender)
	put("style", p.Style)
	put("colors", strings.Join(p.Colors, ", "))
	put("occasions", strings.Join(p.Occasions, ", "))
	put("fit", p.Fit)
	put("budget", p.Budget)
	if len(m) == 0 {
		return nil
	}
	return m
}

// IsZero reports whether no preference has been set.
func (p Profile) IsZero() bool {
	return p.Gender == "" && p.Style == "" && len(p.Colors) == 0 &&
		len(p.Occasions) == 0 && p.Fit == "" && p.Budget == ""
}
