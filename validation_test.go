package mailhost

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "inbox", path: "INBOX"},
		{name: "nested", path: "Work/2026/Reports"},
		{name: "unicode", path: "Työ"},
		{name: "empty", path: "", wantErr: true},
		{name: "blank", path: "   ", wantErr: true},
		{name: "empty segment", path: "Work//Reports", wantErr: true},
		{name: "trailing slash", path: "Work/", wantErr: true},
		{name: "control char", path: "In\x01box", wantErr: true},
		{name: "invalid utf8", path: "\xff\xfe", wantErr: true},
		{name: "too long", path: strings.Repeat("a", MaxPathLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePath(%q) = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error %v does not wrap ErrInvalidRequest", err)
			}
		})
	}
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		wantErr bool
	}{
		{name: "none"},
		{name: "system", flags: []string{"\\Seen", "\\flagged", "\\DRAFT"}},
		{name: "keywords", flags: []string{"$Forwarded", "NonJunk", "work-item"}},
		{name: "unknown system", flags: []string{"\\Important"}, wantErr: true},
		{name: "empty", flags: []string{""}, wantErr: true},
		{name: "space in keyword", flags: []string{"two words"}, wantErr: true},
		{name: "paren in keyword", flags: []string{"a(b"}, wantErr: true},
		{name: "non ascii", flags: []string{"märke"}, wantErr: true},
		{name: "too long", flags: []string{strings.Repeat("k", MaxFlagLength+1)}, wantErr: true},
		{name: "too many", flags: slices.Repeat([]string{"k"}, MaxFlagCount+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlags(tt.flags)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFlags(%v) = %v, wantErr %v", tt.flags, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		want  []string
	}{
		{name: "canonical case", flags: []string{"\\seen", "\\FLAGGED"}, want: []string{FlagSeen, FlagFlagged}},
		{name: "recent dropped", flags: []string{"\\Recent", "\\Seen"}, want: []string{FlagSeen}},
		{name: "duplicates removed", flags: []string{"\\Seen", "\\seen", "$Work", "$Work"}, want: []string{FlagSeen, "$Work"}},
		{name: "keywords kept as given", flags: []string{"$MDNSent"}, want: []string{"$MDNSent"}},
		{name: "empty", flags: nil, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeFlags(tt.flags); !slices.Equal(got, tt.want) {
				t.Errorf("normalizeFlags(%v) = %v, want %v", tt.flags, got, tt.want)
			}
		})
	}
}

func TestFlagState(t *testing.T) {
	fs := flagStateOf([]string{FlagFlagged, FlagDeleted, FlagDraft})
	if !fs.unseen || !fs.flagged || fs.undeleted || !fs.draft {
		t.Errorf("flag state = %+v", fs)
	}
	fs = flagStateOf(nil)
	if !fs.unseen || fs.flagged || !fs.undeleted || fs.draft {
		t.Errorf("empty flag state = %+v", fs)
	}
}

func TestCheckMessageSize(t *testing.T) {
	if err := checkMessageSize(MaxMessageSize); err != nil {
		t.Errorf("limit itself rejected: %v", err)
	}
	if err := checkMessageSize(MaxMessageSize + 1); !IsMessageTooLarge(err) {
		t.Errorf("got %v, want MESSAGETOOLARGE", err)
	}
}
