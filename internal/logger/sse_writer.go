package logger

import (
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

// LogStream is the SSE stream log lines are published on.
const LogStream = "logs"

type SSEPublisher interface {
	Publish(id string, event *sse.Event)
}

// LogMessage is the payload sent to SSE subscribers.
type LogMessage struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Fields  string `json:"fields,omitempty"`
}

// SSEWriter forwards zerolog JSON lines to an SSE stream.
type SSEWriter struct {
	SSE SSEPublisher
}

func NewSSEWriter(server SSEPublisher) SSEWriter {
	return SSEWriter{SSE: server}
}

var levelAbbrev = map[string]string{
	zerolog.LevelTraceValue: "TRC",
	zerolog.LevelDebugValue: "DBG",
	zerolog.LevelInfoValue:  "INF",
	zerolog.LevelWarnValue:  "WRN",
	zerolog.LevelErrorValue: "ERR",
	zerolog.LevelFatalValue: "FTL",
	zerolog.LevelPanicValue: "PNC",
}

func (w SSEWriter) Write(p []byte) (int, error) {
	if w.SSE == nil {
		return 0, nil
	}

	var evt map[string]interface{}
	if err := json.Unmarshal(p, &evt); err != nil {
		return 0, err
	}

	msg := LogMessage{Time: time.Now().Format(time.RFC3339)}
	if ts, ok := evt[zerolog.TimestampFieldName].(string); ok {
		msg.Time = ts
	}
	if lvl, ok := evt[zerolog.LevelFieldName].(string); ok {
		msg.Level = lvl
		if abbrev, ok := levelAbbrev[lvl]; ok {
			msg.Level = abbrev
		}
	}
	if m, ok := evt[zerolog.MessageFieldName].(string); ok {
		msg.Message = m
	}
	msg.Fields = formatFields(evt)

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	w.SSE.Publish(LogStream, &sse.Event{Data: data})

	return len(p), nil
}

func formatFields(evt map[string]interface{}) string {
	var parts []string
	for k, v := range evt {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		parts = append(parts, k+"="+string(b))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
