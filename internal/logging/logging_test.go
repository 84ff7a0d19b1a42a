package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "connector.log")
	l, err := New(Options{Level: "debug", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", l.GetLevel())
	}
	Component(l, "reconciler").WithField("event", "order_tracked").Info("tracked")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	line := string(data)
	for _, want := range []string{`"component":"reconciler"`, `"event":"order_tracked"`, `"message":"tracked"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %s", line, want)
		}
	}
}

func TestNewRejectsBadLevelAndFormat(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("New(level=loud) error = nil, want error")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("New(format=xml) error = nil, want error")
	}
}
