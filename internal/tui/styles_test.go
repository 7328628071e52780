package tui

import (
	"strings"
	"testing"
)

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name     string
		dropRate float64
		want     Health
	}{
		{"no drops", 0, HealthOK},
		{"tiny drops", 0.001, HealthDegraded},
		{"10% drops", 0.10, HealthDegraded},
		{"11% drops", 0.11, HealthFailing},
		{"all dropped", 1, HealthFailing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHealth(tt.dropRate); got != tt.want {
				t.Errorf("GetHealth(%v) = %v, want %v", tt.dropRate, got, tt.want)
			}
		})
	}
}

func TestGetHealthLabel(t *testing.T) {
	tests := []struct {
		name       string
		dropRate   float64
		wantSubstr string
	}{
		{"ok", 0, "Pipeline"},
		{"dropping", 0.05, "dropping"},
		{"failing", 0.15, "failing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetHealthLabel(tt.dropRate)
			if !strings.Contains(got, tt.wantSubstr) {
				t.Errorf("GetHealthLabel(%v) = %q, want to contain %q", tt.dropRate, got, tt.wantSubstr)
			}
		})
	}
}

func TestRenderKeyValue(t *testing.T) {
	got := RenderKeyValue("In Flight", "3")
	if !strings.Contains(got, "In Flight:") || !strings.Contains(got, "3") {
		t.Errorf("RenderKeyValue() = %q", got)
	}
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name     string
		progress float64
		width    int
		percent  string
	}{
		{"empty", 0, 20, "0%"},
		{"half", 0.5, 20, "50%"},
		{"full", 1, 20, "100%"},
		{"over", 1.5, 20, "150%"},
		{"narrow", 0.5, 2, "50%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderProgressBar(tt.progress, tt.width)
			if !strings.Contains(got, tt.percent) {
				t.Errorf("RenderProgressBar(%v, %d) = %q, want %s", tt.progress, tt.width, got, tt.percent)
			}
			if n := strings.Count(got, "█") + strings.Count(got, "░"); n != max(tt.width, 10) {
				t.Errorf("bar cells = %d, want %d", n, max(tt.width, 10))
			}
		})
	}
}
