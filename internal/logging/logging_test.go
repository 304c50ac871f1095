package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"pgregory.net/rapid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSanitizeForLog(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.String().Draw(t, "data")
		maxLen := rapid.IntRange(0, 64).Draw(t, "maxLen")

		got := SanitizeForLog(data, maxLen)
		if len(data) <= maxLen {
			if got != data {
				t.Fatalf("short input changed: %q -> %q", data, got)
			}
			return
		}
		if got != data[:maxLen]+"...[truncated]" {
			t.Fatalf("unexpected truncation: %q", got)
		}
	})
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("abc"); got != "****" {
		t.Errorf("expected full mask, got %q", got)
	}
	if got := MaskKey("abcdefgh"); got != "abcd****" {
		t.Errorf("expected prefix mask, got %q", got)
	}
}

func TestRequestLoggerWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	router := gin.New()
	router.Use(RequestLogger())
	router.GET("/ping", func(c *gin.Context) {
		c.Set("client_id", "c-1")
		c.Status(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping?x=1", nil))

	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "warn" {
		t.Errorf("expected warn level for 4xx, got %v", entry["level"])
	}
	if entry["client_id"] != "c-1" {
		t.Errorf("expected client_id c-1, got %v", entry["client_id"])
	}
	if entry["query"] != "x=1" {
		t.Errorf("expected query x=1, got %v", entry["query"])
	}
}
