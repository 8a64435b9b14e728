package securelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type testErr struct{ msg string }

func (e testErr) Error() string { return e.msg }

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return out
}

func TestError_LogsContextAndTypesNotText(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	wrapped := fmt.Errorf("outer: %w", testErr{msg: "secret message body"})
	Error(log, "send message", wrapped)

	if strings.Contains(buf.String(), "secret message body") {
		t.Fatalf("error text leaked into log: %s", buf.String())
	}
	line := decode(t, &buf)
	if line["context"] != "send message" || line["level"] != "error" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if !strings.Contains(line["types"].(string), "securelog.testErr") {
		t.Fatalf("types = %v", line["types"])
	}
	if !strings.Contains(line["at"].(string), "securelog_test.go") {
		t.Fatalf("at = %v", line["at"])
	}
}

func TestError_IgnoresNil(t *testing.T) {
	var buf bytes.Buffer
	Error(zerolog.New(&buf), "context", nil)
	Warn(zerolog.New(&buf), "context", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no output for nil error, got %q", buf.String())
	}
}

func TestWarn_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	Warn(zerolog.New(&buf), "", testErr{msg: "test"})
	line := decode(t, &buf)
	if _, ok := line["context"]; ok {
		t.Fatalf("expected no context field, got %v", line)
	}
	if line["level"] != "warn" {
		t.Fatalf("level = %v", line["level"])
	}
}

func TestErrorTypes(t *testing.T) {
	inner := testErr{msg: "inner"}
	if types := errorTypes(fmt.Errorf("wrap: %w", inner)); len(types) != 2 {
		t.Fatalf("expected two error types, got %v", types)
	}
	if types := errorTypes(inner); len(types) != 1 {
		t.Fatalf("expected 1 type, got %v", types)
	}
}

func TestCallerLocation(t *testing.T) {
	if loc := callerLocation(1); !strings.Contains(loc, "securelog_test.go") {
		t.Fatalf("expected test file in location, got %q", loc)
	}
	if loc := callerLocation(999); loc != "unknown" {
		t.Fatalf("expected 'unknown' for deep skip, got %q", loc)
	}
}

func TestNewAndParseLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("level filtering failed: %s", buf.String())
	}
	if _, err := New(&buf, "chatty", false); err == nil {
		t.Fatal("unknown level accepted")
	}
	var pretty bytes.Buffer
	plog, _ := New(&pretty, "debug", true)
	plog.Debug().Msg("hello")
	if !strings.Contains(pretty.String(), "hello") || strings.HasPrefix(pretty.String(), "{") {
		t.Fatalf("console output = %q", pretty.String())
	}
}
