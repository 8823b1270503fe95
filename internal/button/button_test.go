package button

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManualTriggerConsumesPress(t *testing.T) {
	var m ManualTrigger
	if m.Pressed() {
		t.Fatal("pressed before any press")
	}
	m.Press()
	if !m.Pressed() {
		t.Fatal("press not reported")
	}
	if m.Pressed() {
		t.Fatal("single press reported twice")
	}
}

func TestGPIOButtonRisingEdge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")
	write := func(v string) {
		if err := os.WriteFile(path, []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	b := NewGPIOButton(path, false)

	write("0")
	if b.Pressed() {
		t.Fatal("edge reported while released")
	}
	write("1")
	if !b.Pressed() {
		t.Fatal("rising edge missed")
	}
	if b.Pressed() {
		t.Fatal("held button reported as second press")
	}
	write("0")
	if b.Pressed() {
		t.Fatal("falling edge reported as press")
	}
	write("1")
	if !b.Pressed() {
		t.Fatal("second rising edge missed")
	}
}

func TestGPIOButtonActiveLow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewGPIOButton(path, true)
	if b.Pressed() {
		t.Fatal("idle-high active-low line reported as press")
	}
	if err := os.WriteFile(path, []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !b.Pressed() {
		t.Fatal("active-low press missed")
	}
}

func TestGPIOButtonMissingFile(t *testing.T) {
	b := NewGPIOButton(filepath.Join(t.TempDir(), "absent"), false)
	if b.Pressed() {
		t.Fatal("missing GPIO file reported a press")
	}
}
