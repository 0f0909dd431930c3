package obs

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects all log lines to w. Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false) // keep "client->server" and hex dumps readable
	if err := enc.Encode(out); err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Print(b.String())
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}
