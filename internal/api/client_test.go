package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/amora-app/chatsync/internal/model"
)

type staticToken string

func (s staticToken) Token() (string, bool) { return string(s), s != "" }

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, staticToken("tok"), nil)
}

func TestEnvelope_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "Data", body: `{"data":["a","b"],"meta":{"total":2}}`, want: []string{"a", "b"}},
		{name: "Value", body: `{"value":["a"]}`, want: []string{"a"}},
		{name: "Bare", body: `["c"]`, want: []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope[[]string]
			if err := json.Unmarshal([]byte(tt.body), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(tt.want, env.Data); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnvelope_BareObject(t *testing.T) {
	var env Envelope[model.Profile]
	if err := json.Unmarshal([]byte(`{"userId":"u1","isPremium":true}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want := (model.Profile{UserID: "u1", IsPremium: true}); env.Data != want {
		t.Errorf("got %+v, want %+v", env.Data, want)
	}
}

func TestClient_ListChats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Correlation-ID") == "" {
			t.Error("missing correlation id")
		}
		_, _ = io.WriteString(w, `{"data":[
			{"id":"c1","otherUserId":"u2","otherUserName":"Ana","lastMessage":"hi","lastMessageAt":"2026-01-01T10:00:00Z","unreadCount":2},
			{"id":"c2","otherUserId":"u3","otherUserName":"Bia","isSuperLike":true,"superLikeByUserId":"u3","unreadCount":-1}
		]}`)
	})
	c := newTestClient(t, mux)

	got, err := c.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}

	want := []model.ConversationSummary{
		{
			ConversationID:       "c1",
			OtherParticipantID:   "u2",
			OtherParticipantName: "Ana",
			LastMessageText:      model.StringPtr("hi"),
			LastMessageTime:      model.TimePtr(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)),
			UnreadCount:          2,
		},
		{
			ConversationID:        "c2",
			OtherParticipantID:    "u3",
			OtherParticipantName:  "Bia",
			IsSuperLikeOrigin:     true,
			SuperLikeOriginUserID: model.StringPtr("u3"),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chats mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_ListMessages(t *testing.T) {
	before := time.Date(2026, 1, 2, 8, 30, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if id := r.PathValue("id"); id != "c1" {
			t.Errorf("chat id = %q", id)
		}
		q := r.URL.Query()
		if q.Get("limit") != "30" || q.Get("before") != "2026-01-02T08:30:00Z" {
			t.Errorf("query = %v", q)
		}
		_, _ = io.WriteString(w, `[{"id":"m2","senderUserId":"u2","content":"b","createdAt":"2026-01-02T08:00:00Z"},
			{"id":"m1","chatId":"c1","senderUserId":"u1","content":"a","createdAt":"2026-01-02T07:00:00Z","isRead":true}]`)
	})
	c := newTestClient(t, mux)

	got, err := c.ListMessages(context.Background(), "c1", 30, &before)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := []model.Message{
		{ID: "m2", ConversationID: "c1", SenderUserID: "u2", Content: "b", CreatedAt: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{ID: "m1", ConversationID: "c1", SenderUserID: "u1", Content: "a", CreatedAt: time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC), IsRead: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_ListCandidates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /interactions/matches", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":[{"userId":"u2","matchId":"mt1","name":"Ana","photos":["p.jpg"],"chatId":"c1"},
			{"userId":"u3","name":"Bia","viewed":true}]}`)
	})
	mux.HandleFunc("GET /interactions/super-likes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"userId":"u4","name":"Cris","isNew":false}]}`)
	})
	c := newTestClient(t, mux)

	matches, err := c.ListMatches(context.Background())
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	want := []model.MatchCandidate{
		{UserID: "u2", MatchID: "mt1", Name: "Ana", Photo: "p.jpg", IsNew: true, ChatID: "c1"},
		{UserID: "u3", Name: "Bia"},
	}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}

	supers, err := c.ListSuperLikes(context.Background())
	if err != nil {
		t.Fatalf("ListSuperLikes: %v", err)
	}
	if diff := cmp.Diff([]model.MatchCandidate{{UserID: "u4", Name: "Cris", IsSuperLike: true}}, supers); diff != "" {
		t.Errorf("superlikes mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_Posts(t *testing.T) {
	var calls []string
	var report reportRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "read:"+r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /interactions/matches/{id}/view", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "view:"+r.PathValue("id"))
	})
	mux.HandleFunc("POST /interactions/matches/{id}/unmatch", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "unmatch:"+r.PathValue("id"))
		_, _ = io.WriteString(w, `{"data":true}`)
	})
	mux.HandleFunc("POST /chat/report", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "report")
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			t.Errorf("decode report: %v", err)
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	if err := c.MarkChatRead(ctx, "c1"); err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	if err := c.MarkMatchViewed(ctx, "mt1"); err != nil {
		t.Fatalf("MarkMatchViewed: %v", err)
	}
	if err := c.Unmatch(ctx, "mt1"); err != nil {
		t.Fatalf("Unmatch: %v", err)
	}
	if err := c.ReportUser(ctx, "u9", "spam"); err != nil {
		t.Fatalf("ReportUser: %v", err)
	}

	if diff := cmp.Diff([]string{"read:c1", "view:mt1", "unmatch:mt1", "report"}, calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if report != (reportRequest{UserID: "u9", Reason: "spam"}) {
		t.Errorf("report body = %+v", report)
	}
}

func TestClient_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/profile", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.Me(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Me error = %v, want ErrUnauthorized", err)
	}

	_, err = c.ListChats(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ListChats error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 must not match ErrUnauthorized")
	}
}
