package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantRules int
	}{
		{
			name: "valid rules",
			content: `rules:
  - name: offline_6h
    kind: offline
    threshold: 6h
    to_addresses: support@example.com
  - name: all_offline
    kind: all_offline
    threshold: 30m
`,
			wantRules: 2,
		},
		{
			name: "unknown kind",
			content: `rules:
  - name: weird
    kind: sideways
    threshold: 1h
`,
			wantErr: true,
		},
		{
			name: "missing threshold",
			content: `rules:
  - name: offline
    kind: offline
`,
			wantErr: true,
		},
		{
			name: "duplicate names",
			content: `rules:
  - name: offline
    kind: offline
    threshold: 1h
  - name: offline
    kind: no_download
    threshold: 1h
`,
			wantErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "rules"+string(rune('a'+i))+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("write rules: %v", err)
			}
			pol, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(pol.Rules) != tt.wantRules {
				t.Errorf("Load() rules = %d, want %d", len(pol.Rules), tt.wantRules)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	pol, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(pol.Rules) != len(Defaults().Rules) {
		t.Fatalf("expected default rules, got %d", len(pol.Rules))
	}
	if pol.Rules[0].Threshold != 12*time.Hour {
		t.Errorf("default threshold = %v", pol.Rules[0].Threshold)
	}
	records := pol.Records()
	if records[2].Kind != KindAllOffline || !IsFleet(records[2].Kind) {
		t.Errorf("expected fleet rule, got %+v", records[2])
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		status    string
		wantLevel Level
		wantRule  string
	}{
		{"", LevelUnset, ""},
		{Green, LevelGreen, ""},
		{Yellow("offline_12h"), LevelYellow, "offline_12h"},
		{Red("no_download_12h"), LevelRed, "no_download_12h"},
		{"registered", LevelUnset, ""},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.status); got != tt.wantLevel {
			t.Errorf("LevelOf(%q) = %v, want %v", tt.status, got, tt.wantLevel)
		}
		if got := RuleOf(tt.status); got != tt.wantRule {
			t.Errorf("RuleOf(%q) = %q, want %q", tt.status, got, tt.wantRule)
		}
	}
}
