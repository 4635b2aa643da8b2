package main

import (
	"slices"
	"testing"
)

func TestOriginPatterns(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		want    []string
	}{
		{"wildcard", []string{"https://a.example", "*"}, []string{"*"}},
		{"hosts", []string{"http://localhost:5173", "https://app.example.com"}, []string{"localhost:5173", "app.example.com"}},
		{"skips invalid", []string{"not a url", "https://ok.example"}, []string{"ok.example"}},
		{"none", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := originPatterns(tt.origins); !slices.Equal(got, tt.want) {
				t.Errorf("originPatterns(%v) = %v, want %v", tt.origins, got, tt.want)
			}
		})
	}
}
