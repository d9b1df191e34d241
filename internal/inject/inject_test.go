package inject

import (
	"bytes"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		method  string
		wantErr bool
	}{
		{MethodType, false},
		{MethodPaste, false},
		{MethodNone, false},
		{"shout", true},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			inj, err := New(tt.method, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.method, err, tt.wantErr)
			}
			if err == nil && inj == nil {
				t.Fatal("New returned nil injector")
			}
		})
	}
}

func TestNewKeepsMethod(t *testing.T) {
	inj, err := New(MethodPaste, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := inj.(*Injector)
	if !ok || r.Method() != MethodPaste {
		t.Errorf("New(paste) = %#v", inj)
	}
}

func TestWriterInjector(t *testing.T) {
	var buf bytes.Buffer
	inj := &WriterInjector{W: &buf}
	for _, s := range []string{"hello", "", " world"} {
		if err := inj.Inject(s); err != nil {
			t.Fatalf("Inject(%q): %v", s, err)
		}
	}
	if got := buf.String(); got != "hello world" {
		t.Errorf("wrote %q, want %q", got, "hello world")
	}
}

func TestEmptyTextIsNoop(t *testing.T) {
	if err := NewInjector(MethodType).Inject(""); err != nil {
		t.Errorf("Inject(\"\") = %v", err)
	}
}

func TestPasteModifier(t *testing.T) {
	tests := map[string]string{
		"darwin":  "cmd",
		"linux":   "ctrl",
		"windows": "ctrl",
	}
	for goos, want := range tests {
		if got := PasteModifier(goos); got != want {
			t.Errorf("PasteModifier(%q) = %q, want %q", goos, got, want)
		}
	}
}
