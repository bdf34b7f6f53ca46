package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(models.EventBought, "AAPL", "bought 1 @ 100")
	if !strings.HasPrefix(e.ID, "N-") || len(e.ID) != 14 {
		t.Errorf("unexpected id %q", e.ID)
	}
	if e.Text() != "[BOUGHT] AAPL\nbought 1 @ 100" {
		t.Errorf("Text = %q", e.Text())
	}
}

func TestTelegramSink(t *testing.T) {
	var got sendMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sink := NewTelegramSink(TelegramConfig{BotToken: "T0K", ChatID: "42", ParseMode: "HTML", BaseURL: srv.URL}, quietLogger())
	err := sink.Notify(context.Background(), NewEvent(models.EventSold, "MSFT", "sold 1"))
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if path != "/botT0K/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got.ChatID != "42" || got.Text != "[SOLD] MSFT\nsold 1" || got.ParseMode != "HTML" {
		t.Errorf("payload = %+v", got)
	}
}

func TestTelegramSinkFailureIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := NewTelegramSink(TelegramConfig{BotToken: "secret", ChatID: "1", BaseURL: srv.URL}, quietLogger())
	err := sink.Notify(context.Background(), NewEvent(models.EventHold, "run", ""))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks bot token: %v", err)
	}
}

func TestTelegramSinkFallsBackWithoutCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	sink := NewTelegramSink(TelegramConfig{}, logger)
	if err := sink.Notify(context.Background(), NewEvent(models.EventHold, "run", "nothing traded")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !strings.Contains(buf.String(), "nothing traded") {
		t.Fatalf("fallback did not log the event: %s", buf.String())
	}
}

func TestNewByMethod(t *testing.T) {
	if s, err := New("telegram", TelegramConfig{}, quietLogger()); err != nil || s.Name() != "telegram" {
		t.Errorf("New(telegram) = %v, %v", s, err)
	}
	if s, err := New("", TelegramConfig{}, quietLogger()); err != nil || s.Name() != "log" {
		t.Errorf("New(\"\") = %v, %v", s, err)
	}
	if _, err := New("pager", TelegramConfig{}, quietLogger()); err == nil {
		t.Errorf("expected error for unknown method")
	}
}
