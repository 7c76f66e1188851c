package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"

	"alaschat/internal/ai"
	"alaschat/internal/model"
	"alaschat/internal/storage"
)

type fakeSessionStore struct {
	sessions map[string]*model.ChatSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*model.ChatSession)}
}

func (f *fakeSessionStore) Create(session *model.ChatSession) error {
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionStore) ListByUserID(userID uint) ([]model.ChatSession, error) {
	var out []model.ChatSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) GetByIDAndUserID(sessionID string, userID uint) (*model.ChatSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionStore) UpdateSummary(sessionID string, userID uint, lastMessage string, lastImages datatypes.JSON, messageCount int) error {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return errors.New("session not found")
	}
	s.LastMessage = lastMessage
	s.LastImages = lastImages
	s.MessageCount = messageCount
	s.UpdatedAt = time.Now()
	return nil
}

func (f *fakeSessionStore) DeleteByIDAndUserID(sessionID string, userID uint) error {
	delete(f.sessions, sessionID)
	return nil
}

type fakeMessageStore struct {
	messages []model.Message
}

func (f *fakeMessageStore) ListBySessionID(sessionID string, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) DeleteBySessionID(sessionID string) error {
	kept := f.messages[:0]
	for _, m := range f.messages {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

type fakeUploader struct {
	urls   []string
	err    error
	called int
}

func (f *fakeUploader) UploadBatch(ctx context.Context, files []storage.ImageFile) ([]string, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	return f.urls, nil
}

type fakeAnalyzer struct {
	analysis string
	err      error
	gotText  string
	gotURLs  []string
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, message string, images []string) (string, ai.Usage, error) {
	f.gotText = message
	f.gotURLs = images
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", ai.Usage{}, f.err
	}
	return f.analysis, ai.Usage{}, nil
}

type fakeHistoryCache struct {
	deleteCtx context.Context
	getCtx    context.Context
	stored    map[string][]model.Message
}

func newFakeHistoryCache() *fakeHistoryCache {
	return &fakeHistoryCache{stored: make(map[string][]model.Message)}
}

func (f *fakeHistoryCache) GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error) {
	f.getCtx = ctx
	messages, ok := f.stored[sessionID]
	return messages, ok, nil
}

func (f *fakeHistoryCache) SetHistory(ctx context.Context, sessionID string, messages []model.Message) error {
	f.stored[sessionID] = messages
	return nil
}

func (f *fakeHistoryCache) DeleteHistory(ctx context.Context, sessionID string) error {
	f.deleteCtx = ctx
	delete(f.stored, sessionID)
	return nil
}

func (f *fakeHistoryCache) MarkDirty(ctx context.Context, sessionID string) error { return nil }

func (f *fakeHistoryCache) IsDirty(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

type fakePublisher struct {
	published []model.Message
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, msg model.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func newTestService(sessions *fakeSessionStore, messages *fakeMessageStore, uploader *fakeUploader, analyzer *fakeAnalyzer, publisher *fakePublisher) *ChatService {
	return NewChatService(sessions, messages, uploader, analyzer, publisher, nil)
}

func TestSubmitTurnRejectsWithoutImagesOrSession(t *testing.T) {
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{analysis: "unused"}
	publisher := &fakePublisher{}
	svc := newTestService(newFakeSessionStore(), &fakeMessageStore{}, uploader, analyzer, publisher)

	_, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  1,
		Content: "",
	})
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("err = %v, want ErrNoImages", err)
	}
	if uploader.called != 0 {
		t.Fatalf("uploader should not be called")
	}
	if analyzer.gotURLs != nil {
		t.Fatalf("analyzer should not be called")
	}
	if len(publisher.published) != 0 {
		t.Fatalf("nothing should be published, got %d messages", len(publisher.published))
	}
}

func TestSubmitTurnImagesOnlyUsesDefaultContent(t *testing.T) {
	sessions := newFakeSessionStore()
	uploader := &fakeUploader{urls: []string{"https://cdn.example.com/a.png"}}
	analyzer := &fakeAnalyzer{analysis: "a red square"}
	publisher := &fakePublisher{}
	svc := newTestService(sessions, &fakeMessageStore{}, uploader, analyzer, publisher)

	result, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  1,
		Uploads: []storage.ImageFile{{Name: "a.png", ContentType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if result.Messages[0].Content != DefaultUserContent {
		t.Fatalf("user content = %q, want %q", result.Messages[0].Content, DefaultUserContent)
	}
	if !result.SessionCreated || result.Session == nil {
		t.Fatalf("expected a new session")
	}
	if result.Session.Title != model.DefaultTitle {
		t.Fatalf("title = %q, want %q", result.Session.Title, model.DefaultTitle)
	}
	if result.Session.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", result.Session.MessageCount)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(publisher.published))
	}
	if publisher.published[0].Role != model.RoleUser || publisher.published[1].Role != model.RoleAssistant {
		t.Fatalf("user half must be published before the assistant half")
	}
}

func TestSubmitTurnUploadFailureAborts(t *testing.T) {
	sessions := newFakeSessionStore()
	uploader := &fakeUploader{err: errors.New("upstream 500")}
	analyzer := &fakeAnalyzer{analysis: "unused"}
	publisher := &fakePublisher{}
	svc := newTestService(sessions, &fakeMessageStore{}, uploader, analyzer, publisher)

	_, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  1,
		Content: "what is this",
		Uploads: []storage.ImageFile{{Name: "a.png", ContentType: "image/png"}},
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("no message may be recorded after a failed upload")
	}
	if analyzer.gotURLs != nil {
		t.Fatalf("no AI call may happen after a failed upload")
	}
	if len(sessions.sessions) != 0 {
		t.Fatalf("no session may be created after a failed upload")
	}
}

func TestSubmitTurnQuotaFailureKeepsUserHalf(t *testing.T) {
	sessions := newFakeSessionStore()
	existing := &model.ChatSession{
		ID:           "sess-1",
		UserID:       1,
		Title:        "older",
		LastImages:   model.ImageListJSON([]string{"https://cdn.example.com/a.png"}),
		MessageCount: 2,
	}
	_ = sessions.Create(existing)

	analyzer := &fakeAnalyzer{err: ai.ErrQuotaExceeded}
	publisher := &fakePublisher{}
	svc := newTestService(sessions, &fakeMessageStore{}, &fakeUploader{}, analyzer, publisher)

	result, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:    1,
		SessionID: "sess-1",
		Content:   "and this one?",
	})
	if err != nil {
		t.Fatalf("AI failures must not surface as errors, got %v", err)
	}
	if result.Status != StatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("turn should carry user half plus error bubble, got %d", len(result.Messages))
	}
	if !strings.Contains(result.Messages[1].Content, "quota exceeded") {
		t.Fatalf("error bubble = %q, want quota wording", result.Messages[1].Content)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("user half and error bubble are persisted best-effort, got %d", len(publisher.published))
	}
	if got := sessions.sessions["sess-1"].MessageCount; got != 2 {
		t.Fatalf("message count = %d, must not be incremented on a failed turn", got)
	}
}

func TestSubmitTurnCarriesForwardImages(t *testing.T) {
	sessions := newFakeSessionStore()
	carried := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}
	_ = sessions.Create(&model.ChatSession{
		ID:           "sess-1",
		UserID:       1,
		Title:        "first",
		LastImages:   model.ImageListJSON(carried),
		MessageCount: 2,
	})

	analyzer := &fakeAnalyzer{analysis: "still a red square"}
	publisher := &fakePublisher{}
	svc := newTestService(sessions, &fakeMessageStore{}, &fakeUploader{}, analyzer, publisher)

	result, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:    1,
		SessionID: "sess-1",
		Content:   "what about the second one",
	})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if len(analyzer.gotURLs) != 2 || analyzer.gotURLs[0] != carried[0] || analyzer.gotURLs[1] != carried[1] {
		t.Fatalf("analyzer images = %v, want carried-forward %v", analyzer.gotURLs, carried)
	}
	if result.Messages[0].Images != nil {
		t.Fatalf("a text-only turn attaches no images to its user message")
	}
	updated := sessions.sessions["sess-1"]
	if updated.MessageCount != 4 {
		t.Fatalf("message count = %d, want 4", updated.MessageCount)
	}
	if updated.LastMessage != "still a red square" {
		t.Fatalf("last message = %q", updated.LastMessage)
	}
}

func TestSubmitTurnNewSessionTitleFromContent(t *testing.T) {
	sessions := newFakeSessionStore()
	uploader := &fakeUploader{urls: []string{"https://cdn.example.com/a.png"}}
	long := strings.Repeat("q", 60)
	analyzer := &fakeAnalyzer{analysis: strings.Repeat("r", 150)}
	svc := newTestService(sessions, &fakeMessageStore{}, uploader, analyzer, &fakePublisher{})

	result, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  1,
		Content: long,
		Uploads: []storage.ImageFile{{Name: "a.png", ContentType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if want := strings.Repeat("q", 50) + "..."; result.Session.Title != want {
		t.Fatalf("title = %q, want %q", result.Session.Title, want)
	}
	if want := strings.Repeat("r", 100) + "..."; result.Session.LastMessage != want {
		t.Fatalf("last message = %q, want %q", result.Session.LastMessage, want)
	}
}

func TestSubmitTurnSingleInFlight(t *testing.T) {
	sessions := newFakeSessionStore()
	uploader := &fakeUploader{urls: []string{"https://cdn.example.com/a.png"}}
	analyzer := &fakeAnalyzer{
		analysis: "slow answer",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svc := newTestService(sessions, &fakeMessageStore{}, uploader, analyzer, &fakePublisher{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
			UserID:  1,
			Content: "first",
			Uploads: []storage.ImageFile{{Name: "a.png", ContentType: "image/png"}},
		})
		firstDone <- err
	}()

	<-analyzer.entered

	_, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:    1,
		SessionID: "whatever",
		Content:   "second",
	})
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("second submit err = %v, want ErrTurnInFlight", err)
	}

	close(analyzer.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// The guard is per user; once the turn terminates new submissions pass.
	if _, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  2,
		Content: "other user",
		Uploads: []storage.ImageFile{{Name: "b.png", ContentType: "image/png"}},
	}); err != nil {
		t.Fatalf("other user submit: %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	sessions := newFakeSessionStore()
	_ = sessions.Create(&model.ChatSession{ID: "sess-1", UserID: 1})
	messages := &fakeMessageStore{messages: []model.Message{
		{ID: "m1", SessionID: "sess-1", UserID: 1, Role: model.RoleUser},
		{ID: "m2", SessionID: "sess-1", UserID: 1, Role: model.RoleAssistant},
		{ID: "m3", SessionID: "sess-2", UserID: 1, Role: model.RoleUser},
	}}
	svc := newTestService(sessions, messages, &fakeUploader{}, &fakeAnalyzer{}, &fakePublisher{})

	if err := svc.DeleteSession(context.Background(), 1, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok := sessions.sessions["sess-1"]; ok {
		t.Fatalf("session should be gone")
	}
	for _, m := range messages.messages {
		if m.SessionID == "sess-1" {
			t.Fatalf("message %s should have been cascaded", m.ID)
		}
	}
	if len(messages.messages) != 1 {
		t.Fatalf("unrelated messages must survive, got %d", len(messages.messages))
	}

	if err := svc.DeleteSession(context.Background(), 1, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestReadAndDeleteCarryCallerContext(t *testing.T) {
	sessions := newFakeSessionStore()
	_ = sessions.Create(&model.ChatSession{ID: "sess-1", UserID: 1})
	cache := newFakeHistoryCache()
	svc := NewChatService(sessions, &fakeMessageStore{}, &fakeUploader{}, &fakeAnalyzer{}, &fakePublisher{}, cache)

	type requestKey struct{}
	ctx := context.WithValue(context.Background(), requestKey{}, "req-1")

	if _, err := svc.GetHistory(ctx, 1, "sess-1", 10); err != nil {
		t.Fatalf("get history: %v", err)
	}
	if cache.getCtx == nil || cache.getCtx.Value(requestKey{}) != "req-1" {
		t.Fatalf("cache read did not receive the caller context")
	}

	if err := svc.DeleteSession(ctx, 1, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if cache.deleteCtx == nil || cache.deleteCtx.Value(requestKey{}) != "req-1" {
		t.Fatalf("cache delete did not receive the caller context")
	}
}

func TestSubmitTurnUnknownSession(t *testing.T) {
	svc := newTestService(newFakeSessionStore(), &fakeMessageStore{}, &fakeUploader{}, &fakeAnalyzer{}, &fakePublisher{})
	_, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:    1,
		SessionID: "missing",
		Content:   "hello",
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSubmitTurnPublisherFailureDoesNotAbort(t *testing.T) {
	sessions := newFakeSessionStore()
	uploader := &fakeUploader{urls: []string{"https://cdn.example.com/a.png"}}
	analyzer := &fakeAnalyzer{analysis: "fine"}
	publisher := &fakePublisher{err: errors.New("broker down")}
	svc := newTestService(sessions, &fakeMessageStore{}, uploader, analyzer, publisher)

	result, err := svc.SubmitTurn(context.Background(), SubmitTurnInput{
		UserID:  1,
		Content: "describe",
		Uploads: []storage.ImageFile{{Name: "a.png", ContentType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("persistence is best-effort, submit must succeed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
}
