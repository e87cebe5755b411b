package ui

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// OutputsKey is the JSON key a task command prints to report its outputs,
// e.g. {"weft_outputs": {"artifact": "bin/app"}}.
const OutputsKey = "weft_outputs"

// OutputFormatter prefixes task command output with [task-id] and writes it
// to dest line by line. JSON log lines are condensed to level and message,
// and an OutputsKey object is captured instead of printed. It implements
// io.Writer.
type OutputFormatter struct {
	prefix  string
	dest    io.Writer
	mu      *sync.Mutex
	buf     []byte
	outputs map[string]any
}

// NewOutputFormatter creates an OutputFormatter for taskID. mu serializes
// writes to dest across formatters.
func NewOutputFormatter(taskID string, dest io.Writer, mu *sync.Mutex) *OutputFormatter {
	return &OutputFormatter{
		prefix: TaskPrefix(taskID) + " ",
		dest:   dest,
		mu:     mu,
	}
}

func (of *OutputFormatter) Write(p []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()

	of.buf = append(of.buf, p...)
	for {
		idx := bytes.IndexByte(of.buf, '\n')
		if idx == -1 {
			break
		}
		line := string(of.buf[:idx])
		of.buf = of.buf[idx+1:]
		of.processLine(line)
	}
	return len(p), nil
}

// Flush writes any trailing partial line.
func (of *OutputFormatter) Flush() {
	of.mu.Lock()
	defer of.mu.Unlock()
	if len(of.buf) > 0 {
		of.processLine(string(of.buf))
		of.buf = nil
	}
}

// Outputs returns the last outputs object the command reported.
func (of *OutputFormatter) Outputs() map[string]any {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.outputs
}

func (of *OutputFormatter) processLine(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if !gjson.Valid(line) {
		of.writeLine(line)
		return
	}

	if out := gjson.Get(line, OutputsKey); out.Exists() && out.IsObject() {
		if m, ok := out.Value().(map[string]any); ok {
			of.outputs = m
		}
		return
	}

	msg := gjson.Get(line, "msg")
	if !msg.Exists() {
		msg = gjson.Get(line, "message")
	}
	if !msg.Exists() {
		of.writeLine(Dim(line))
		return
	}

	switch level := strings.ToLower(gjson.Get(line, "level").String()); level {
	case "error":
		of.writeLine(Red("✗ " + msg.String()))
	case "warn", "warning":
		of.writeLine(Yellow("! " + msg.String()))
	case "debug":
		of.writeLine(Dim(msg.String()))
	default:
		of.writeLine(msg.String())
	}
}

func (of *OutputFormatter) writeLine(text string) {
	fmt.Fprintf(of.dest, "  %s%s\n", of.prefix, text)
}
