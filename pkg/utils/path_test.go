package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain file", input: "photo.jpg", wantErr: false},
		{name: "unicode", input: "照片.png", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "dot", input: ".", wantErr: true},
		{name: "dotdot", input: "..", wantErr: true},
		{name: "separator", input: "a/b", wantErr: true},
		{name: "too long", input: strings.Repeat("x", 256), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join("/data", "cache")

	tests := []struct {
		name     string
		elements []string
		want     string
		wantErr  bool
	}{
		{name: "bucket path", elements: []string{"com.app", "cloud", "17", "C42"}, want: filepath.Join(base, "com.app", "cloud", "17", "C42")},
		{name: "no elements", elements: nil, want: base},
		{name: "traversal", elements: []string{"..", "etc", "passwd"}, wantErr: true},
		{name: "nested traversal", elements: []string{"a", "../../x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SecureJoin = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("SecureJoin with empty base should fail")
	}
}
