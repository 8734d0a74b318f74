package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// FinalResponseField marks the event carrying the backend's answer to the
// submitted transaction.
const FinalResponseField = "final_response"

type Options struct {
	Level        string
	Console      bool
	File         string
	OnlyResponse bool
	Out          io.Writer
}

// New builds the process logger. Output goes to Out (stderr by default),
// rendered with ConsoleWriter when Console is set, and is mirrored as JSON
// to File when one is given. With OnlyResponse every event except the
// final transaction response is dropped.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var out io.Writer = os.Stderr
	if opts.Out != nil {
		out = opts.Out
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out}
	}

	writers := []io.Writer{out}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		writers = append(writers, f)
		closer = f
	}

	var w io.Writer = zerolog.MultiLevelWriter(writers...)
	if opts.OnlyResponse {
		w = responseFilter{next: w}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel accepts debug, info and error in any case. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "debug", "info", "warn", "error":
		return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	default:
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: want debug, info or error", s)
	}
}

// FinalResponse logs the transaction response so it survives the
// OnlyResponse filter.
func FinalResponse(logger zerolog.Logger, status int, body []byte) {
	evt := logger.WithLevel(zerolog.NoLevel).Int("status", status)
	if json.Valid(body) {
		evt = evt.RawJSON(FinalResponseField, body)
	} else {
		evt = evt.Str(FinalResponseField, string(body))
	}
	evt.Msg("transaction response")
}

type responseFilter struct {
	next io.Writer
}

var responseMarker = []byte(`"` + FinalResponseField + `"`)

func (f responseFilter) Write(p []byte) (int, error) {
	if !bytes.Contains(p, responseMarker) {
		return len(p), nil
	}
	return f.next.Write(p)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
