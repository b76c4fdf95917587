package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"council-agent/internal/auth"
	"council-agent/internal/domain"
	"council-agent/internal/draft"
	"council-agent/internal/quota"
)

const (
	DefaultMaxConsultationLength = 500

	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
)

type LLMClient interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// ConsultationStore is the per-user partitioned consultation collection.
type ConsultationStore interface {
	PutConsultation(ctx context.Context, userID string, c domain.Consultation) error
	GetConsultation(ctx context.Context, userID, id string) (domain.Consultation, error)
	ListConsultations(ctx context.Context, userID string, limit, offset int) ([]domain.Consultation, error)
	DeleteConsultation(ctx context.Context, userID, id string) error
}

type QuotaChecker interface {
	CheckAndIncrement(ctx context.Context, userID string) (int, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type DeliberationService struct {
	llm    LLMClient
	store  ConsultationStore
	quota  QuotaChecker
	logger *zap.Logger
	now    func() time.Time
	maxLen int
}

type Option func(*DeliberationService)

func WithLogger(l *zap.Logger) Option {
	return func(s *DeliberationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *DeliberationService) {
		s.now = now
	}
}

func WithMaxConsultationLength(n int) Option {
	return func(s *DeliberationService) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func NewDeliberationService(llm LLMClient, store ConsultationStore, q QuotaChecker, opts ...Option) (*DeliberationService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: consultation store must not be nil")
	}
	if q == nil {
		return nil, errors.New("usecase: quota checker must not be nil")
	}
	s := &DeliberationService{
		llm:    llm,
		store:  store,
		quota:  q,
		logger: zap.NewNop(),
		now:    time.Now,
		maxLen: DefaultMaxConsultationLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Caller identifies who a request acts for: the resolved bearer identity and
// the user id the client supplied in the body or query.
type Caller struct {
	Identity auth.Identity
	UserID   string
}

func (c Caller) user() (string, error) {
	uid := c.Identity.EffectiveUser(c.UserID)
	if uid == "" {
		return "", newError(ErrorMissingUser, "missing_user", nil)
	}
	return uid, nil
}

type DeliberateInput struct {
	Caller       Caller
	Consultation string

	// Plan is accepted for client compatibility and not used.
	Plan string
}

// Deliberate runs one consultation through quota, the generative backend and
// the normalizer, then persists and returns the record. The quota slot is
// spent before the backend call and is not refunded when the call fails.
func (s *DeliberationService) Deliberate(ctx context.Context, in DeliberateInput) (domain.Consultation, error) {
	question := strings.TrimSpace(in.Consultation)
	if question == "" {
		return domain.Consultation{}, invalidField("empty_consultation", "consultation", "must not be empty")
	}
	if utf8.RuneCountInString(in.Consultation) > s.maxLen {
		return domain.Consultation{}, invalidField("consultation_too_long", "consultation",
			fmt.Sprintf("must be at most %d characters", s.maxLen))
	}
	userID, err := in.Caller.user()
	if err != nil {
		return domain.Consultation{}, err
	}

	used, err := s.quota.CheckAndIncrement(ctx, userID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.logger.Info("quota_exceeded", zap.String("user_id", userID), zap.String("reset_at", exceeded.ResetAt))
			e := newError(ErrorDailyLimit, "daily_limit_exceeded", err)
			e.Limit = exceeded.Limit
			e.ResetAt = exceeded.ResetAt
			e.RetryAfter = exceeded.ResetIn
			return domain.Consultation{}, e
		}
		return domain.Consultation{}, newError(ErrorInternal, "quota_store_error", err)
	}

	raw, err := s.llm.Chat(ctx, buildPromptMessages(question))
	if err != nil {
		fields := []zap.Field{zap.String("user_id", userID), zap.Error(err)}
		if status, ok := upstreamStatusCode(err); ok {
			fields = append(fields, zap.Int("status", status))
		}
		s.logger.Error("upstream_failed", fields...)
		return domain.Consultation{}, newError(ErrorUpstream, "llm_error", err)
	}

	parsed, ok := draft.Decode(raw)
	if !ok {
		s.logger.Warn("draft_fallback_used", zap.String("user_id", userID), zap.Int("raw_len", len(raw)))
	}
	now := s.now()
	result := draft.Normalize(parsed, now)

	rec := domain.Consultation{
		ID:         newUUID(),
		Question:   question,
		Rounds:     result.Rounds,
		Resolution: result.Resolution,
		CreatedAt:  now.UTC(),
	}
	if err := s.store.PutConsultation(ctx, userID, rec); err != nil {
		return domain.Consultation{}, newError(ErrorInternal, "store_write_error", err)
	}
	s.logger.Info("deliberation_completed",
		zap.String("user_id", userID),
		zap.String("consultation_id", rec.ID),
		zap.String("question_type", string(rec.Resolution.QuestionType)),
		zap.Int("daily_count", used),
	)
	return rec, nil
}

type HistoryInput struct {
	Caller Caller
	Limit  int
	Offset int
}

// ClampPage bounds a history page to 1..MaxHistoryLimit items and a
// non-negative offset.
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// History lists the caller's consultations, newest first.
func (s *DeliberationService) History(ctx context.Context, in HistoryInput) ([]domain.Consultation, error) {
	userID, err := in.Caller.user()
	if err != nil {
		return nil, err
	}
	limit, offset := ClampPage(in.Limit, in.Offset)
	items, err := s.store.ListConsultations(ctx, userID, limit, offset)
	if err != nil {
		return nil, newError(ErrorInternal, "store_list_error", err)
	}
	if items == nil {
		items = []domain.Consultation{}
	}
	return items, nil
}

// Get returns one of the caller's consultations.
func (s *DeliberationService) Get(ctx context.Context, caller Caller, id string) (domain.Consultation, error) {
	userID, err := caller.user()
	if err != nil {
		return domain.Consultation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Consultation{}, invalidField("missing_consultation_id", "id", "must not be empty")
	}
	rec, err := s.store.GetConsultation(ctx, userID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Consultation{}, newError(ErrorNotFound, "consultation_not_found", err)
	}
	if err != nil {
		return domain.Consultation{}, newError(ErrorInternal, "store_read_error", err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

type SaveInput struct {
	Caller         Caller
	ConsultationID string

	// SourceUserID names the owner to copy from when Consultation is nil.
	SourceUserID string
	Consultation *domain.Consultation
}

// Save writes a consultation under the caller. The record comes from the
// request or is copied from another user's collection, which makes this the
// one path that lets a record cross user partitions.
func (s *DeliberationService) Save(ctx context.Context, in SaveInput) error {
	userID, err := in.Caller.user()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(in.ConsultationID)
	if id == "" {
		return invalidField("missing_consultation_id", "id", "must not be empty")
	}

	var rec domain.Consultation
	switch source := strings.TrimSpace(in.SourceUserID); {
	case in.Consultation != nil:
		rec = *in.Consultation
	case source != "":
		rec, err = s.store.GetConsultation(ctx, source, id)
		if errors.Is(err, domain.ErrNotFound) {
			return newError(ErrorInvalidInput, "missing_consultation_data", err)
		}
		if err != nil {
			return newError(ErrorInternal, "store_read_error", err)
		}
	default:
		return newError(ErrorInvalidInput, "missing_consultation_data", nil)
	}

	rec.ID = id
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.Rounds == nil {
		rec.Rounds = []domain.Round{}
	}
	if err := s.store.PutConsultation(ctx, userID, rec); err != nil {
		return newError(ErrorInternal, "store_write_error", err)
	}
	return nil
}

// Delete removes one of the caller's consultations. Missing records are not an error.
func (s *DeliberationService) Delete(ctx context.Context, caller Caller, id string) error {
	userID, err := caller.user()
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return invalidField("missing_consultation_id", "id", "must not be empty")
	}
	if err := s.store.DeleteConsultation(ctx, userID, id); err != nil {
		return newError(ErrorInternal, "store_delete_error", err)
	}
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
