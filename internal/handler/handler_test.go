package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/conversations"
	"github.com/amora-app/chatsync/internal/matches"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/notify"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/internal/realtime"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/pkg/logger"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend serves every REST call the core makes.
type fakeBackend struct {
	mu       sync.Mutex
	chats    []model.ConversationSummary
	messages map[string][]model.Message
	lists    map[model.MatchKind][]model.MatchCandidate
	profile  model.Profile
	calls    []string
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) ListChats(context.Context) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ConversationSummary, len(f.chats))
	for i, c := range f.chats {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *fakeBackend) MarkChatRead(_ context.Context, id string) error {
	f.record("read " + id)
	return nil
}

func (f *fakeBackend) ListMessages(_ context.Context, id string, _ int, _ *time.Time) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[id]...), nil
}

func (f *fakeBackend) list(kind model.MatchKind) []model.MatchCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MatchCandidate(nil), f.lists[kind]...)
}

func (f *fakeBackend) ListMatches(context.Context) ([]model.MatchCandidate, error) {
	return f.list(model.KindMatch), nil
}

func (f *fakeBackend) ListSuperLikes(context.Context) ([]model.MatchCandidate, error) {
	return f.list(model.KindSuperlike), nil
}

func (f *fakeBackend) ListLikesReceived(context.Context) ([]model.MatchCandidate, error) {
	return f.list(model.KindLike), nil
}

func (f *fakeBackend) MarkMatchViewed(_ context.Context, matchID string) error {
	f.record("view " + matchID)
	return nil
}

func (f *fakeBackend) Unmatch(_ context.Context, matchID string) error {
	f.record("unmatch " + matchID)
	return nil
}

func (f *fakeBackend) ReportUser(_ context.Context, userID, reason string) error {
	f.record("report " + userID + " " + reason)
	return nil
}

func (f *fakeBackend) Me(context.Context) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sendErr error
	sent    []string

	status   *pubsub.Value[model.ConnectionStatus]
	messages pubsub.Broadcaster[model.Message]
	acks     pubsub.Broadcaster[model.MessageAck]
	matches  pubsub.Broadcaster[model.MatchNotification]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: pubsub.NewValue(model.Disconnected)}
}

func (f *fakeTransport) Start(context.Context) error { f.status.Set(model.Connected); return nil }
func (f *fakeTransport) Stop()                       { f.status.Set(model.Disconnected) }
func (f *fakeTransport) Status() model.ConnectionStatus {
	return f.status.Get()
}
func (f *fakeTransport) OnStatus(fn func(model.ConnectionStatus)) func() {
	return f.status.Subscribe(fn)
}
func (f *fakeTransport) OnMessage(fn func(model.Message)) func() { return f.messages.Subscribe(fn) }
func (f *fakeTransport) OnAck(fn func(model.MessageAck)) func()  { return f.acks.Subscribe(fn) }
func (f *fakeTransport) OnMatch(fn func(model.MatchNotification)) func() {
	return f.matches.Subscribe(fn)
}
func (f *fakeTransport) JoinConversation(context.Context, string) error  { return nil }
func (f *fakeTransport) LeaveConversation(context.Context, string) error { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, _, _, tempID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tempID)
	return nil
}

type bridge struct {
	backend   *fakeBackend
	transport *fakeTransport
	router    http.Handler
	stream    *StreamHandler
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	log := logger.Wrap(zaptest.NewLogger(t))

	backend := &fakeBackend{
		chats: []model.ConversationSummary{
			{ConversationID: "c1", OtherParticipantID: "u1", LastMessageText: model.StringPtr("hey"), LastMessageTime: model.TimePtr(t0), UnreadCount: 2},
			{ConversationID: "p1", OtherParticipantID: "u2"},
		},
		messages: map[string][]model.Message{
			"c1": {{ID: "m1", ConversationID: "c1", SenderUserID: "u1", Content: "hey", CreatedAt: t0}},
		},
		lists: map[model.MatchKind][]model.MatchCandidate{
			model.KindMatch: {
				{UserID: "u2", MatchID: "x2", ChatID: "p1", IsNew: true},
				{UserID: "u1", MatchID: "x1", ChatID: "c1"},
			},
			model.KindLike: {{UserID: "u3", IsNew: true}},
		},
		profile: model.Profile{UserID: "me"},
	}
	transport := newFakeTransport()

	provider := auth.NewProvider()
	convs := conversations.New(backend, provider, log)
	cache := matches.New(backend, convs, provider, log)
	badge := notify.NewAggregator(convs, cache, provider)
	svc := service.New(service.Config{
		Identity:      provider,
		Transport:     transport,
		History:       backend,
		Profiles:      backend,
		Conversations: convs,
		Matches:       cache,
		Log:           log,
	})
	t.Cleanup(func() {
		svc.Close()
		badge.Close()
		cache.Close()
		convs.Close()
	})

	stream := NewStreamHandler(svc, convs, cache, badge, log)
	router := NewRouter(Handlers{
		Health:        NewHealthHandler(svc),
		Session:       NewSessionHandler(svc, log),
		Conversations: NewConversationHandler(convs, svc, log),
		Messages:      NewMessageHandler(svc, log),
		Matches:       NewMatchHandler(cache, badge, log),
		Stream:        stream,
	}, RouterConfig{
		Identity:       svc,
		AllowedOrigins: []string{"http://localhost:4200"},
		Log:            log,
	})

	return &bridge{backend: backend, transport: transport, router: router, stream: stream}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (b *bridge) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	b.router.ServeHTTP(rec, req)
	return rec
}

func (b *bridge) login(t *testing.T) {
	t.Helper()
	rec := b.do(t, http.MethodPost, "/api/v1/session", `{"token":"`+token(t, "me")+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	b := newBridge(t)

	if rec := b.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec := b.do(t, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before login = %d, want 503", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["reason"]; got != "not logged in" {
		t.Errorf("reason = %q", got)
	}

	b.login(t)
	if rec := b.do(t, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready after login = %d, want 200", rec.Code)
	}
}

func TestSession(t *testing.T) {
	b := newBridge(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "missing token", body: `{}`, want: http.StatusBadRequest},
		{name: "invalid token", body: `{"token":"nope"}`, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := b.do(t, http.MethodPost, "/api/v1/session", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if rec := b.do(t, http.MethodGet, "/api/v1/conversations", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("conversations before login = %d, want 401", rec.Code)
	}

	b.login(t)
	got := decode[SessionResponse](t, b.do(t, http.MethodGet, "/api/v1/session", ""))
	want := SessionResponse{Identity: auth.Identity{UserID: "me"}, LoggedIn: true, Status: model.Connected}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	if rec := b.do(t, http.MethodDelete, "/api/v1/session", ""); rec.Code != http.StatusNoContent {
		t.Errorf("logout status = %d", rec.Code)
	}
	if rec := b.do(t, http.MethodGet, "/api/v1/badge", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("badge after logout = %d, want 401", rec.Code)
	}
	if rec := b.do(t, http.MethodPost, "/api/v1/session/connect", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("connect after logout = %d, want 401", rec.Code)
	}
}

func conversationIDs(items []model.ConversationSummary) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ConversationID)
	}
	return out
}

func TestConversations(t *testing.T) {
	b := newBridge(t)
	b.login(t)

	all := decode[[]model.ConversationSummary](t, b.do(t, http.MethodGet, "/api/v1/conversations", ""))
	if diff := cmp.Diff([]string{"c1", "p1"}, conversationIDs(all)); diff != "" {
		t.Errorf("conversations mismatch (-want +got):\n%s", diff)
	}
	active := decode[[]model.ConversationSummary](t, b.do(t, http.MethodGet, "/api/v1/conversations/active", ""))
	if diff := cmp.Diff([]string{"c1"}, conversationIDs(active)); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}
	pending := decode[[]model.ConversationSummary](t, b.do(t, http.MethodGet, "/api/v1/conversations/pending", ""))
	if diff := cmp.Diff([]string{"p1"}, conversationIDs(pending)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	if rec := b.do(t, http.MethodPost, "/api/v1/conversations/c1/read", ""); rec.Code != http.StatusNoContent {
		t.Errorf("read status = %d", rec.Code)
	}
	active = decode[[]model.ConversationSummary](t, b.do(t, http.MethodGet, "/api/v1/conversations/active", ""))
	if active[0].UnreadCount != 0 {
		t.Errorf("unread after read = %d", active[0].UnreadCount)
	}

	if rec := b.do(t, http.MethodDelete, "/api/v1/conversations/p1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("remove status = %d", rec.Code)
	}
	if rec := b.do(t, http.MethodDelete, "/api/v1/conversations/p1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second remove status = %d, want 404", rec.Code)
	}
}

func TestMessages(t *testing.T) {
	b := newBridge(t)
	b.login(t)

	if rec := b.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", ""); rec.Code != http.StatusNotFound {
		t.Errorf("messages of a closed conversation = %d, want 404", rec.Code)
	}

	rec := b.do(t, http.MethodPost, "/api/v1/conversations/c1/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("open status = %d, body %s", rec.Code, rec.Body)
	}

	if rec := b.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"   "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank send = %d, want 400", rec.Code)
	}

	rec = b.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body)
	}
	sent := decode[SendMessageResponse](t, rec)
	if sent.Message.Status != model.StatusSending || !model.IsTempID(sent.Message.ID) {
		t.Errorf("sent message = %+v", sent.Message)
	}

	b.transport.acks.Publish(model.MessageAck{TempID: sent.Message.TempID, RealID: "m2"})

	tl := decode[struct {
		Messages []model.Message `json:"messages"`
	}](t, b.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", ""))
	var got []string
	for _, m := range tl.Messages {
		got = append(got, m.ID+":"+string(m.Status))
	}
	if diff := cmp.Diff([]string{"m1:sent", "m2:sent"}, got); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}

	b.transport.sendErr = realtime.ErrNotConnected
	rec = b.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"again"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("send while disconnected = %d, want 503", rec.Code)
	}
	if failed := decode[SendMessageResponse](t, rec); failed.Message.Status != model.StatusFailed || failed.Error == "" {
		t.Errorf("failed send response = %+v", failed)
	}

	older := decode[LoadOlderResponse](t, b.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/older", ""))
	if older.Added != 0 || older.HasMore {
		t.Errorf("older = %+v", older)
	}

	if rec := b.do(t, http.MethodDelete, "/api/v1/conversations/c1/session", ""); rec.Code != http.StatusNoContent {
		t.Errorf("close status = %d", rec.Code)
	}
	if rec := b.do(t, http.MethodDelete, "/api/v1/conversations/c1/session", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", rec.Code)
	}
}

func TestMatches(t *testing.T) {
	b := newBridge(t)
	b.login(t)

	list := decode[[]model.MatchCandidate](t, b.do(t, http.MethodGet, "/api/v1/matches", ""))
	if len(list) != 2 {
		t.Fatalf("matches = %+v", list)
	}
	if got := decode[notify.Breakdown](t, b.do(t, http.MethodGet, "/api/v1/badge", "")); got.Total != 2 {
		t.Errorf("badge = %+v, want total 2", got)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "unknown kind", path: "/api/v1/matches/u2/view?kind=wink", want: http.StatusBadRequest},
		{name: "unknown user", path: "/api/v1/matches/u9/view", want: http.StatusNotFound},
		{name: "match", path: "/api/v1/matches/u2/view?kind=match", want: http.StatusNoContent},
		{name: "like", path: "/api/v1/matches/u3/view?kind=like", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := b.do(t, http.MethodPost, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if got := decode[notify.Breakdown](t, b.do(t, http.MethodGet, "/api/v1/badge", "")); got.Total != 1 {
		t.Errorf("badge after views = %+v, want total 1", got)
	}

	rec := b.do(t, http.MethodPost, "/api/v1/matches", `{"userId":"u5","name":"Sam","isNew":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	if got := decode[[]model.MatchCandidate](t, rec); got[0].UserID != "u5" {
		t.Errorf("added match not first: %+v", got)
	}

	if rec := b.do(t, http.MethodPost, "/api/v1/matches/x1/unmatch", ""); rec.Code != http.StatusNoContent {
		t.Errorf("unmatch status = %d", rec.Code)
	}
	all := decode[[]model.ConversationSummary](t, b.do(t, http.MethodGet, "/api/v1/conversations", ""))
	if diff := cmp.Diff([]string{"p1"}, conversationIDs(all)); diff != "" {
		t.Errorf("conversations after unmatch (-want +got):\n%s", diff)
	}

	if rec := b.do(t, http.MethodPost, "/api/v1/users/u2/report", `{"reason":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("report without reason = %d, want 400", rec.Code)
	}
	if rec := b.do(t, http.MethodPost, "/api/v1/users/u2/report", `{"reason":"spam"}`); rec.Code != http.StatusNoContent {
		t.Errorf("report status = %d", rec.Code)
	}
	if got := decode[[]model.MatchCandidate](t, b.do(t, http.MethodGet, "/api/v1/matches", "")); len(got) != 1 || got[0].UserID != "u5" {
		t.Errorf("matches after report = %+v", got)
	}

	want := []string{"view x2", "unmatch x1", "report u2 spam"}
	b.backend.mu.Lock()
	calls := append([]string(nil), b.backend.calls...)
	b.backend.mu.Unlock()
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("backend calls mismatch (-want +got):\n%s", diff)
	}
}

func TestMatches_Refresh(t *testing.T) {
	b := newBridge(t)
	b.login(t)

	b.backend.mu.Lock()
	b.backend.lists[model.KindSuperlike] = []model.MatchCandidate{{UserID: "u7", IsNew: true, IsSuperLike: true}}
	b.backend.mu.Unlock()

	if got := decode[[]model.MatchCandidate](t, b.do(t, http.MethodGet, "/api/v1/superlikes", "")); len(got) != 0 {
		t.Errorf("superlikes before refresh = %+v", got)
	}
	if got := decode[[]model.MatchCandidate](t, b.do(t, http.MethodGet, "/api/v1/superlikes?refresh=true", "")); len(got) != 1 {
		t.Errorf("superlikes after refresh = %+v", got)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrNotLoggedIn, http.StatusUnauthorized},
		{service.ErrNoSession, http.StatusNotFound},
		{matches.ErrNotFound, http.StatusNotFound},
		{realtime.ErrNotConnected, http.StatusServiceUnavailable},
		{conversations.ErrSessionEnded, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStream(t *testing.T) {
	b := newBridge(t)
	b.stream.Heartbeat = time.Hour
	b.login(t)

	srv := httptest.NewServer(b.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	want := map[string]bool{"connected": false, "conversations": false, "matches": false, "badge": false, "status": false}
	seen := func() bool {
		for _, ok := range want {
			if !ok {
				return false
			}
		}
		return true
	}

	timeout := time.After(5 * time.Second)
	for !seen() {
		select {
		case name, ok := <-events:
			if !ok {
				t.Fatalf("stream ended, seen %v", want)
			}
			if _, tracked := want[name]; tracked {
				want[name] = true
			}
		case <-timeout:
			t.Fatalf("timed out, seen %v", want)
		}
	}

	// Opening a conversation starts the messages events.
	if rec := b.do(t, http.MethodPost, "/api/v1/conversations/c1/session", ""); rec.Code != http.StatusOK {
		t.Fatalf("open status = %d", rec.Code)
	}
	for {
		select {
		case name, ok := <-events:
			if !ok {
				t.Fatal("stream ended before messages event")
			}
			if name == "messages" {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for messages event")
		}
	}
}
