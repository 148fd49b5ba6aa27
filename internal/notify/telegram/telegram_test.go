package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/notify"
)

type fakeBot struct {
	mu           sync.Mutex
	rejectFormat bool
	failAll      bool
	sent         []map[string]string
}

func (f *fakeBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"duesync","username":"duesync_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params := map[string]string{}
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.sent = append(f.sent, params)
		reject, fail := f.rejectFormat, f.failAll
		f.mu.Unlock()

		switch {
		case fail:
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`)
		case reject && hasEntities(params):
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: unsupported start tag"}`)
		default:
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":7,"type":"private"}}}`)
		}
	default:
		http.NotFound(w, r)
	}
}

// hasEntities treats an absent, null or empty entity list the same.
func hasEntities(params map[string]string) bool {
	e := params["entities"]
	return e != "" && e != "null" && e != "[]"
}

func newDispatcher(t *testing.T, bot *fakeBot) *Dispatcher {
	t.Helper()
	srv := httptest.NewServer(bot)
	t.Cleanup(srv.Close)
	api, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	if err != nil {
		t.Fatalf("bot api: %v", err)
	}
	return NewWithAPI(api)
}

func TestSendFormattedMessage(t *testing.T) {
	bot := &fakeBot{}
	d := newDispatcher(t, bot)

	msg := notify.Message{
		Text:  "⏰ **Rent** is due tomorrow",
		Plain: "⏰ Rent is due tomorrow",
	}
	if err := d.Send(context.Background(), 7, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected one request, got %d", len(bot.sent))
	}
	got := bot.sent[0]
	if got["chat_id"] != "7" || got["text"] != "⏰ Rent is due tomorrow" {
		t.Fatalf("unexpected params: %v", got)
	}
	if !strings.Contains(got["entities"], `"bold"`) {
		t.Fatalf("expected bold entity, got %q", got["entities"])
	}
}

func TestTemplateRejection(t *testing.T) {
	bot := &fakeBot{rejectFormat: true}
	d := newDispatcher(t, bot)
	msg := notify.Message{Text: "**Rent**", Plain: "Rent"}

	err := d.Send(context.Background(), 7, msg)
	if !errors.Is(err, notify.ErrTemplateRejected) {
		t.Fatalf("expected ErrTemplateRejected, got %v", err)
	}
	if err := d.Send(context.Background(), 7, msg.PlainOnly()); err != nil {
		t.Fatalf("plain variant should go through: %v", err)
	}
	if hasEntities(bot.sent[1]) {
		t.Fatalf("plain variant must not carry entities: %v", bot.sent[1])
	}
}

func TestTransportFailure(t *testing.T) {
	d := newDispatcher(t, &fakeBot{failAll: true})
	err := d.Send(context.Background(), 7, notify.Message{Text: "x", Plain: "x"})
	if !errors.Is(err, notify.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, notify.ErrTemplateRejected) {
		t.Fatal("rate limiting is not a template problem")
	}
}
