// Command fake-telegram is a stand-in for the Telegram Bot API used for local
// runs of postcron. Point TELEGRAM_API_ENDPOINT at
// http://localhost:8081/bot%s/%s and inspect deliveries on /stats.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type call struct {
	Timestamp string            `json:"timestamp"`
	Method    string            `json:"method"`
	Fields    map[string]string `json:"fields"`
	Files     []string          `json:"files,omitempty"`
}

type stats struct {
	Count     int64  `json:"count"`
	LastCalls []call `json:"last_calls"`
	Since     string `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	lastCalls []call
	since     time.Time
	maxStored = 50
	nextMsgID = 1

	// failMode makes send* methods return this Bot API error code
	// ("429", "400", "500"); empty means succeed.
	failMode string
)

func main() {
	since = time.Now().UTC()
	failMode = os.Getenv("FAIL_MODE")

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/", botHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastCalls = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-telegram listening on %s (fail_mode=%q)", addr, failMode)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// botHandler serves /bot<token>/<method>.
func botHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "bot") {
		http.NotFound(w, r)
		return
	}
	method := parts[1]

	c := call{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Method:    method,
		Fields:    make(map[string]string),
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
		log.Printf("bad form for %s: %v", method, err)
	}
	for k, v := range r.Form {
		if len(v) > 0 {
			c.Fields[k] = v[0]
		}
	}
	if r.MultipartForm != nil {
		for field, fhs := range r.MultipartForm.File {
			for _, fh := range fhs {
				c.Files = append(c.Files, field+"="+fh.Filename)
			}
		}
	}

	if method == "getMe" {
		reply(w, map[string]any{"id": 1, "is_bot": true, "first_name": "Fake", "username": "fake_postcron_bot"})
		return
	}

	mu.Lock()
	count++
	lastCalls = append(lastCalls, c)
	if len(lastCalls) > maxStored {
		lastCalls = lastCalls[len(lastCalls)-maxStored:]
	}
	current := count
	msgID := nextMsgID
	nextMsgID++
	mu.Unlock()

	log.Printf("call #%d: %s chat_id=%s files=%d", current, method, c.Fields["chat_id"], len(c.Files))

	if failMode != "" {
		fail(w, failMode)
		return
	}

	msg := map[string]any{
		"message_id": msgID,
		"date":       time.Now().Unix(),
		"chat":       map[string]any{"id": 0, "type": "private"},
	}
	if method == "sendMediaGroup" {
		reply(w, []any{msg})
		return
	}
	reply(w, msg)
}

func reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func fail(w http.ResponseWriter, mode string) {
	code, err := strconv.Atoi(mode)
	if err != nil {
		code = http.StatusInternalServerError
	}
	body := map[string]any{
		"ok":          false,
		"error_code":  code,
		"description": http.StatusText(code),
	}
	if code == http.StatusTooManyRequests {
		body["description"] = "Too Many Requests: retry after 1"
		body["parameters"] = map[string]any{"retry_after": 1}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:     count,
		LastCalls: lastCalls,
		Since:     since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
