// Package inject delivers dictated text to the focused application using
// robotgo keystroke simulation or a clipboard paste.
package inject

import (
	"fmt"
	"io"
	"runtime"

	"github.com/go-vgo/robotgo"
)

// Injection methods.
const (
	MethodType  = "type"
	MethodPaste = "paste"
	MethodNone  = "none"
)

// TextInjector receives dictated text.
type TextInjector interface {
	Inject(text string) error
}

// Compile-time interface satisfaction checks.
var (
	_ TextInjector = (*Injector)(nil)
	_ TextInjector = (*WriterInjector)(nil)
)

// New returns the injector for method. MethodNone writes text to out
// instead of the focused window.
func New(method string, out io.Writer) (TextInjector, error) {
	switch method {
	case MethodType, MethodPaste:
		return NewInjector(method), nil
	case MethodNone:
		return &WriterInjector{W: out}, nil
	default:
		return nil, fmt.Errorf("inject: unknown method %q", method)
	}
}

// Injector handles typing or pasting text into the active application.
type Injector struct {
	method string // "type" or "paste"
}

// NewInjector creates an Injector with the given method.
// method must be "type" (keystroke simulation) or "paste" (clipboard).
func NewInjector(method string) *Injector {
	return &Injector{method: method}
}

// Method reports the configured method.
func (inj *Injector) Method() string { return inj.method }

// Inject sends text to the active application using the configured method.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}

	switch inj.method {
	case MethodPaste:
		return inj.paste(text)
	default:
		return inj.typeText(text)
	}
}

// typeText simulates individual keystrokes. Preserves clipboard contents
// but is slower for long text.
func (inj *Injector) typeText(text string) error {
	robotgo.Type(text)
	return nil
}

// paste copies text to the clipboard and pastes it with the platform's
// paste shortcut. The previous clipboard is restored afterwards.
func (inj *Injector) paste(text string) error {
	prev, _ := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}

	mod := PasteModifier(runtime.GOOS)
	if err := robotgo.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	// best effort
	_ = robotgo.WriteAll(prev)

	return nil
}

// PasteModifier returns the paste shortcut modifier for goos.
func PasteModifier(goos string) string {
	if goos == "darwin" {
		return "cmd"
	}
	return "ctrl"
}

// WriterInjector appends text to a writer, for terminals and tests.
type WriterInjector struct {
	W io.Writer
}

// Inject writes text to W.
func (w *WriterInjector) Inject(text string) error {
	if text == "" || w.W == nil {
		return nil
	}
	if _, err := io.WriteString(w.W, text); err != nil {
		return fmt.Errorf("inject: write text: %w", err)
	}
	return nil
}
