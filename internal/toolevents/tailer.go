package toolevents

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// toolLinePattern matches the runtime's tool start/end log lines.
var toolLinePattern = regexp.MustCompile(`embedded run tool (start|end): runId=(\S+) tool=(\S+) toolCallId=(\S+)`)

// toolDetailPattern matches the runtime's tool failure detail lines.
var toolDetailPattern = regexp.MustCompile(`(?s)^\[tools\]\s+(\S+)\s+failed:\s*(.*)`)

// logRecord is the runtime's JSON log line shape: positional string fields.
type logRecord struct {
	Field0 string `json:"0"`
	Field1 string `json:"1"`
}

// Tailer produces per-request tool event streams from the runtime log dir.
type Tailer struct {
	dir  string
	poll time.Duration
}

// NewTailer creates a tailer over the given runtime log directory.
func NewTailer(dir string, poll time.Duration) *Tailer {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Tailer{dir: dir, poll: poll}
}

// Tail starts tailing the newest runtime log file from its current end and
// returns a channel of events in arrival order. The channel is closed when
// ctx is cancelled, or immediately when no log file exists (a missing log is
// never an error for the relay — the request just streams without tool
// activity).
func (t *Tailer) Tail(ctx context.Context) <-chan Event {
	events := make(chan Event, 64)

	path := t.latestLogFile()
	if path == "" {
		close(events)
		return events
	}
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	go t.run(ctx, path, offset, events)
	return events
}

// TailFrom tails a specific file from a byte offset. Exposed for tests.
func (t *Tailer) TailFrom(ctx context.Context, path string, offset int64) <-chan Event {
	events := make(chan Event, 64)
	go t.run(ctx, path, offset, events)
	return events
}

func (t *Tailer) run(ctx context.Context, path string, offset int64, events chan<- Event) {
	defer close(events)

	f, err := os.Open(path) // #nosec G304 -- path is discovered under the configured log dir
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("tool tail: open failed")
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("tool tail: seek failed")
		return
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// No complete line yet. Stash the fragment and poll again.
			partial.WriteString(line)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.poll):
				continue
			}
		}

		full := partial.String() + line
		partial.Reset()

		ev, ok := parseLine(strings.TrimSpace(full))
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// parseLine extracts a tool event from one runtime log line.
func parseLine(line string) (Event, bool) {
	if line == "" {
		return Event{}, false
	}
	if !strings.Contains(line, "embedded run tool") && !strings.Contains(line, "[tools]") {
		return Event{}, false
	}

	var rec logRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false
	}

	if m := toolLinePattern.FindStringSubmatch(rec.Field1); m != nil {
		return Event{
			Type:       Type(m[1]),
			Tool:       m[3],
			CallID:     m[4],
			ObservedAt: time.Now(),
		}, true
	}

	if m := toolDetailPattern.FindStringSubmatch(rec.Field0); m != nil {
		return Event{
			Type:       TypeDetail,
			Tool:       m[1],
			Message:    strings.TrimSpace(m[2]),
			ObservedAt: time.Now(),
		}, true
	}

	return Event{}, false
}

// latestLogFile returns the lexicographically newest openclaw-*.log file.
// Runtime log names embed a sortable timestamp, so lexical order is age order.
func (t *Tailer) latestLogFile() string {
	matches, err := filepath.Glob(filepath.Join(t.dir, "openclaw-*.log"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
