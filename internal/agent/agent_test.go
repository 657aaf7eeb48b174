package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeAPI struct {
	mu      sync.Mutex
	texts   []string
	onSend  func()
	updates chan tgbotapi.Update
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	f.mu.Lock()
	f.texts = append(f.texts, msg.Text)
	n := len(f.texts)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	return tgbotapi.Message{MessageID: n}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }
func (f *fakeAPI) StopReceivingUpdates()                                      {}

func (f *fakeAPI) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func sensorServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		name := strings.TrimPrefix(r.URL.Path, "/sensor/")
		fmt.Fprintf(w, `{"id":"sensor-%s","state":"1"}`, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ESPHOMEBOT_HEALTH_ENABLED", "false")
	t.Setenv("ESPHOMEBOT_PROBE_ENABLED", "false")
	t.Setenv("ESPHOMEBOT_LOGGING_LEVEL", "error")
}

func TestNewConfigErrorBeforeNetwork(t *testing.T) {
	isolateEnv(t)
	var hits int32
	srv := sensorServer(t, &hits)
	t.Setenv("ESPHOMEBOT_SENSORS_BASE_URL", srv.URL+"/sensor/")

	for _, env := range []map[string]string{
		{"TELEGRAM_TOKEN": "", "TELEGRAM_CHAT_ID": "42"},
		{"TELEGRAM_TOKEN": "123:abc", "TELEGRAM_CHAT_ID": ""},
	} {
		for k, v := range env {
			t.Setenv(k, v)
		}

		var dials int
		_, err := New("", Deps{Dial: func(*config.Config) (BotAPI, error) {
			dials++
			return &fakeAPI{}, nil
		}})

		var cerr *config.ConfigError
		if !errors.As(err, &cerr) {
			t.Fatalf("env %v: err = %v, want *config.ConfigError", env, err)
		}
		if dials != 0 {
			t.Errorf("env %v: telegram dialled %d times", env, dials)
		}
		if n := atomic.LoadInt32(&hits); n != 0 {
			t.Errorf("env %v: sensor api called %d times", env, n)
		}
	}
}

func TestRunRetriesFailedLogin(t *testing.T) {
	isolateEnv(t)
	var hits int32
	srv := sensorServer(t, &hits)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("ESPHOMEBOT_SENSORS_BASE_URL", srv.URL+"/sensor/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeAPI{onSend: cancel}
	var dials int32
	a, err := New("", Deps{
		Dial: func(*config.Config) (BotAPI, error) {
			if atomic.AddInt32(&dials, 1) < 3 {
				return nil, errors.New("telegram login: EOF")
			}
			return api, nil
		},
		DialRetry: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("New dialled telegram %d times", n)
	}

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	if n := atomic.LoadInt32(&dials); n != 3 {
		t.Errorf("dialled %d times, want 3", n)
	}
	if sent := api.sent(); len(sent) != 1 {
		t.Errorf("sent %q after login recovered", sent)
	}
}

func TestRunStopsWhileLoginFails(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var dials int32
	a, err := New("", Deps{
		Dial: func(*config.Config) (BotAPI, error) {
			if atomic.AddInt32(&dials, 1) == 2 {
				cancel()
			}
			return nil, errors.New("Bad Gateway")
		},
		DialRetry: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.poller != nil || a.responder != nil {
		t.Error("drivers started without a telegram login")
	}
}

func TestRunPollMode(t *testing.T) {
	isolateEnv(t)
	var hits int32
	srv := sensorServer(t, &hits)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("ESPHOMEBOT_SENSORS_BASE_URL", srv.URL+"/sensor/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeAPI{onSend: cancel}
	a, err := New("", Deps{Dial: func(*config.Config) (BotAPI, error) { return api, nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	a.Shutdown(context.Background())

	if a.poller == nil || a.responder != nil {
		t.Fatalf("poll mode built poller=%v responder=%v", a.poller != nil, a.responder != nil)
	}

	sent := api.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %q", sent)
	}
	want := "bmp280_pres = 1\nbmp280_temp = 1\ndallas_temp_1 = 1\ndallas_temp_2 = 1\ndht_temp = 1\ndht_hum = 1\n"
	if sent[0] != want {
		t.Errorf("sent %q, want %q", sent[0], want)
	}
	if n := atomic.LoadInt32(&hits); n != 6 {
		t.Errorf("sensor api called %d times, want 6", n)
	}
}

func TestBuildBothModes(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("ESPHOMEBOT_POLL_MODE", "both")

	a, err := New("", Deps{Dial: func(*config.Config) (BotAPI, error) { return &fakeAPI{}, nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.wire(&fakeAPI{})
	if a.poller == nil || a.responder == nil {
		t.Errorf("both mode built poller=%v responder=%v", a.poller != nil, a.responder != nil)
	}
	if a.producer != nil {
		t.Error("producer should be nil without brokers")
	}
}
