package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"alaschat/internal/ai"
	"alaschat/internal/model"
	"alaschat/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnInFlight    = errors.New("a turn is already in flight")
	ErrNoImages        = errors.New("at least one image is required to start a session")
	ErrUploadFailed    = errors.New("image upload failed")
)

// TurnStatus tracks one submission through the chat workflow.
type TurnStatus string

const (
	StatusIdle      TurnStatus = "idle"
	StatusUploading TurnStatus = "uploading"
	StatusSending   TurnStatus = "sending"
	StatusSent      TurnStatus = "sent"
	StatusAnalyzing TurnStatus = "analyzing"
	StatusCompleted TurnStatus = "completed"
	StatusError     TurnStatus = "error"
)

// DefaultUserContent is recorded for user turns that carry only images.
const DefaultUserContent = "Analyze these images"

// Fixed user-facing wordings for AI failures, keyed by error category.
const (
	errMsgCredential = "AI service configuration error. Please contact support."
	errMsgQuota      = "AI service quota exceeded. Please try again later."
	errMsgInvalid    = "Invalid request. Please check your images and try again."
	errMsgGeneric    = "Sorry, I encountered an error while analyzing your images. Please try again."
)

type SessionStore interface {
	Create(session *model.ChatSession) error
	ListByUserID(userID uint) ([]model.ChatSession, error)
	GetByIDAndUserID(sessionID string, userID uint) (*model.ChatSession, error)
	UpdateSummary(sessionID string, userID uint, lastMessage string, lastImages datatypes.JSON, messageCount int) error
	DeleteByIDAndUserID(sessionID string, userID uint) error
}

type MessageStore interface {
	ListBySessionID(sessionID string, limit int) ([]model.Message, error)
	DeleteBySessionID(sessionID string) error
}

type ImageUploader interface {
	UploadBatch(ctx context.Context, files []storage.ImageFile) ([]string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, message string, images []string) (string, ai.Usage, error)
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID string, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID string) error
	MarkDirty(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

// ChatService drives conversational turns: upload, persist the user half,
// analyze, persist the assistant half, update the session summary. Message
// persistence goes through the async publisher and is best-effort; the
// session row is the durable source of list state.
type ChatService struct {
	sessionStore SessionStore
	messageStore MessageStore
	uploader     ImageUploader
	analyzer     Analyzer
	publisher    AsyncMessagePublisher
	historyCache HistoryCache

	mu       sync.Mutex
	inFlight map[uint]struct{}
}

func NewChatService(
	sessionStore SessionStore,
	messageStore MessageStore,
	uploader ImageUploader,
	analyzer Analyzer,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
) *ChatService {
	return &ChatService{
		sessionStore: sessionStore,
		messageStore: messageStore,
		uploader:     uploader,
		analyzer:     analyzer,
		publisher:    publisher,
		historyCache: historyCache,
		inFlight:     make(map[uint]struct{}),
	}
}

type SubmitTurnInput struct {
	UserID    uint
	SessionID string
	Content   string
	Uploads   []storage.ImageFile
}

type TurnResult struct {
	Status         TurnStatus         `json:"status"`
	Session        *model.ChatSession `json:"session,omitempty"`
	SessionCreated bool               `json:"session_created"`
	Messages       []model.Message    `json:"messages"`
	Error          string             `json:"error,omitempty"`
}

// SubmitTurn runs one full turn. At most one turn may be in flight per user;
// concurrent submissions are rejected with ErrTurnInFlight. AI failures are
// converted into a synthetic assistant message and a StatusError result, not
// an error return.
func (s *ChatService) SubmitTurn(ctx context.Context, input SubmitTurnInput) (*TurnResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	if !s.acquireTurn(input.UserID) {
		return nil, ErrTurnInFlight
	}
	defer s.releaseTurn(input.UserID)

	var session *model.ChatSession
	if input.SessionID != "" {
		found, err := s.sessionStore.GetByIDAndUserID(input.SessionID, input.UserID)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, ErrSessionNotFound
		}
		session = found
	}

	// Resolve the image set: new uploads win, otherwise the session's
	// carried-forward images.
	var uploadedURLs []string
	if len(input.Uploads) > 0 {
		urls, err := s.uploader.UploadBatch(ctx, input.Uploads)
		if err != nil {
			// Abort before any message is recorded; no partial image
			// set is ever sent onward.
			return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		uploadedURLs = urls
	}

	imageSet := uploadedURLs
	if len(imageSet) == 0 && session != nil {
		imageSet = model.ImageListFromJSON(session.LastImages)
	}
	if len(imageSet) == 0 && session == nil {
		return nil, ErrNoImages
	}

	rawContent := strings.TrimSpace(input.Content)
	content := rawContent
	if content == "" {
		content = DefaultUserContent
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userMessage := model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    input.UserID,
		Role:      model.RoleUser,
		Content:   content,
		Images:    model.ImageListJSON(uploadedURLs),
		CreatedAt: time.Now(),
	}
	s.invalidateHistory(ctx, sessionID)
	s.publishBestEffort(ctx, userMessage)

	analysis, _, err := s.analyzer.Analyze(ctx, rawContent, imageSet)
	if err != nil {
		errMessage := model.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    input.UserID,
			Role:      model.RoleAssistant,
			Content:   userFacingAIError(err),
			CreatedAt: time.Now(),
		}
		s.publishBestEffort(ctx, errMessage)
		return &TurnResult{
			Status:   StatusError,
			Session:  session,
			Messages: []model.Message{userMessage, errMessage},
			Error:    errMessage.Content,
		}, nil
	}

	assistantMessage := model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    input.UserID,
		Role:      model.RoleAssistant,
		Content:   analysis,
		CreatedAt: time.Now(),
	}
	s.publishBestEffort(ctx, assistantMessage)

	created := false
	if session == nil {
		session = &model.ChatSession{
			ID:           sessionID,
			UserID:       input.UserID,
			Title:        model.TitleFromMessage(rawContent),
			LastMessage:  model.SummaryFromReply(analysis),
			LastImages:   model.ImageListJSON(imageSet),
			MessageCount: 2,
		}
		if err := s.sessionStore.Create(session); err != nil {
			log.Printf("create session %s failed: %v", sessionID, err)
		} else {
			created = true
		}
	} else {
		session.LastMessage = model.SummaryFromReply(analysis)
		session.LastImages = model.ImageListJSON(imageSet)
		session.MessageCount += 2
		session.UpdatedAt = time.Now()
		if err := s.sessionStore.UpdateSummary(
			session.ID, input.UserID, session.LastMessage, session.LastImages, session.MessageCount,
		); err != nil {
			log.Printf("update session %s summary failed: %v", session.ID, err)
		}
	}

	return &TurnResult{
		Status:         StatusCompleted,
		Session:        session,
		SessionCreated: created,
		Messages:       []model.Message{userMessage, assistantMessage},
	}, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessionStore.ListByUserID(userID)
}

func (s *ChatService) DeleteSession(ctx context.Context, userID uint, sessionID string) error {
	if userID == 0 || sessionID == "" {
		return ErrInvalidInput
	}
	session, err := s.sessionStore.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if err := s.messageStore.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if err := s.sessionStore.DeleteByIDAndUserID(sessionID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	return nil
}

func (s *ChatService) GetHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.Message, error) {
	if userID == 0 || sessionID == "" {
		return nil, ErrInvalidInput
	}

	session, err := s.sessionStore.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.messageStore.ListBySessionID(sessionID, limit)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

func (s *ChatService) acquireTurn(userID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *ChatService) releaseTurn(userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, userID)
}

// publishBestEffort enqueues a message for persistence. Failures are logged
// and swallowed: the user still sees the turn even if the durable write is
// lost.
func (s *ChatService) publishBestEffort(ctx context.Context, msg model.Message) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		log.Printf("enqueue %s message for session %s failed: %v", msg.Role, msg.SessionID, err)
	}
}

func (s *ChatService) invalidateHistory(ctx context.Context, sessionID string) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, sessionID)
	_ = s.historyCache.DeleteHistory(ctx, sessionID)
}

func userFacingAIError(err error) string {
	switch {
	case errors.Is(err, ai.ErrInvalidCredentials):
		return errMsgCredential
	case errors.Is(err, ai.ErrQuotaExceeded):
		return errMsgQuota
	case errors.Is(err, ai.ErrMalformedRequest):
		return errMsgInvalid
	default:
		return errMsgGeneric
	}
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
