package ui

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestOutputFormatter(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	of := NewOutputFormatter("build", &buf, &mu)

	// Split writes must be reassembled into lines.
	of.Write([]byte("plain li"))
	of.Write([]byte("ne\n{\"level\":\"error\",\"msg\":\"disk full\"}\n"))
	of.Write([]byte(`{"weft_outputs": {"artifact": "bin/app", "size": 42}}` + "\n"))
	of.Write([]byte("trailing"))
	of.Flush()

	out := buf.String()
	for _, want := range []string{"build", "plain line", "✗ disk full", "trailing"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "weft_outputs") {
		t.Errorf("outputs line should be captured, not printed:\n%s", out)
	}
	if got := strings.Count(out, "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d\n%s", got, out)
	}

	outputs := of.Outputs()
	if outputs["artifact"] != "bin/app" || outputs["size"] != 42.0 {
		t.Errorf("unexpected outputs %v", outputs)
	}
}

func TestStatusIcon_Unknown(t *testing.T) {
	if StatusIcon("ready") == StatusIcon("mystery") {
		t.Error("known statuses should have their own icon")
	}
}
