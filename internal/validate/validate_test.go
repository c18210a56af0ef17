package validate

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		constraints StringConstraints
		wantErr     error
		wantOutput  string
	}{
		{
			name:        "valid string within length constraints",
			input:       "  Hello World ",
			constraints: StringConstraints{MinLength: 5, MaxLength: 20, TrimSpace: true},
			wantOutput:  "Hello World",
		},
		{
			name:        "string too short",
			input:       "Hi",
			constraints: StringConstraints{MinLength: 5, MaxLength: 20},
			wantErr:     ErrStringTooShort,
		},
		{
			name:        "string too long",
			input:       strings.Repeat("a", 101),
			constraints: StringConstraints{MinLength: 1, MaxLength: 100},
			wantErr:     ErrStringTooLong,
		},
		{
			name:        "empty string not allowed",
			input:       "",
			constraints: StringConstraints{},
			wantErr:     ErrEmpty,
		},
		{
			name:        "empty string allowed",
			input:       "   ",
			constraints: StringConstraints{AllowEmpty: true, TrimSpace: true},
			wantOutput:  "",
		},
		{
			name:        "pattern mismatch",
			input:       "abc!",
			constraints: StringConstraints{AllowedPattern: regexp.MustCompile(`^[a-z]+$`)},
			wantErr:     ErrInvalidCharacters,
		},
		{
			name:        "multibyte counted as runes",
			input:       "créditos",
			constraints: StringConstraints{MaxLength: 8},
			wantOutput:  "créditos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := String(tt.input, tt.constraints)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("String() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("String() unexpected error: %v", err)
			}
			if got != tt.wantOutput {
				t.Errorf("String() = %q, want %q", got, tt.wantOutput)
			}
		})
	}
}

func TestIdentifier(t *testing.T) {
	valid := []string{"p1", "pkg-basic", "svc_42", strings.Repeat("a", 64)}
	for _, id := range valid {
		if _, err := Identifier(id); err != nil {
			t.Errorf("Identifier(%q) unexpected error: %v", id, err)
		}
	}

	invalid := map[string]error{
		"":                      ErrEmpty,
		"p 1":                   ErrInvalidCharacters,
		"p1;DROP":               ErrInvalidCharacters,
		strings.Repeat("a", 65): ErrStringTooLong,
	}
	for id, want := range invalid {
		if _, err := Identifier(id); !errors.Is(err, want) {
			t.Errorf("Identifier(%q) error = %v, want %v", id, err, want)
		}
	}
}

func TestSessionID(t *testing.T) {
	if got, err := SessionID(" cs_test_a1B2c3 "); err != nil || got != "cs_test_a1B2c3" {
		t.Errorf("SessionID() = %q, %v", got, err)
	}
	if _, err := SessionID("cs_test/../x"); !errors.Is(err, ErrInvalidCharacters) {
		t.Errorf("expected ErrInvalidCharacters, got %v", err)
	}
	if _, err := SessionID("ab"); !errors.Is(err, ErrStringTooShort) {
		t.Errorf("expected ErrStringTooShort, got %v", err)
	}
}

func TestReturnOrigin(t *testing.T) {
	allowed := []string{"https://app.example.com", "http://localhost:5173/"}

	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    string
		wantErr error
	}{
		{name: "allowed origin", origin: "https://app.example.com", allowed: allowed, want: "https://app.example.com"},
		{name: "trailing slash normalized", origin: "https://APP.example.com/", allowed: allowed, want: "https://app.example.com"},
		{name: "allowlist entry with slash", origin: "http://localhost:5173", allowed: allowed, want: "http://localhost:5173"},
		{name: "any origin without allowlist", origin: "https://shop.test", want: "https://shop.test"},
		{name: "empty", origin: "", wantErr: ErrEmpty},
		{name: "not in allowlist", origin: "https://evil.example", allowed: allowed, wantErr: ErrDisallowedOrigin},
		{name: "javascript scheme", origin: "javascript:alert(1)", wantErr: ErrDisallowedScheme},
		{name: "path not allowed", origin: "https://app.example.com/dashboard", wantErr: ErrInvalidURL},
		{name: "query not allowed", origin: "https://app.example.com?x=1", wantErr: ErrInvalidURL},
		{name: "userinfo not allowed", origin: "https://user@app.example.com", wantErr: ErrInvalidURL},
		{name: "missing host", origin: "https://", wantErr: ErrInvalidURL},
		{name: "too long", origin: "https://" + strings.Repeat("a", MaxOriginLength), wantErr: ErrStringTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReturnOrigin(tt.origin, tt.allowed)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ReturnOrigin() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReturnOrigin() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReturnOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}
