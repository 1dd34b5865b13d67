package email

import "testing"

func TestTrustedSender(t *testing.T) {
	trusted := []string{"creator@example.com", "Backup <backup@example.org>"}

	tests := []struct {
		name string
		from string
		want bool
	}{
		{"bare match", "creator@example.com", true},
		{"display name form", "The Creator <creator@example.com>", true},
		{"case insensitive", "CREATOR@Example.COM", true},
		{"trusted entry with display name", "backup@example.org", true},
		{"different address", "stranger@example.com", false},
		{"lookalike prefix", "notcreator@example.com", false},
		{"empty from", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrustedSender(trusted, tt.from)
			if got != tt.want {
				t.Errorf("TrustedSender(%q) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestTrustedSender_EmptyListMatchesNothing(t *testing.T) {
	if TrustedSender(nil, "anyone@example.com") {
		t.Error("empty trusted list should match nothing")
	}
	if TrustedSender([]string{}, "anyone@example.com") {
		t.Error("empty trusted list should match nothing")
	}
}
