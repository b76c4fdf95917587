package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"council-agent/internal/auth"
	"council-agent/internal/domain"
	"council-agent/internal/draft"
	"council-agent/internal/quota"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 2, 27, 3, 0, 0, 0, time.UTC)

type fakeLLM struct {
	raw   string
	err   error
	calls int
	got   []domain.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, messages []domain.ChatMessage) (string, error) {
	f.calls++
	f.got = messages
	return f.raw, f.err
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "upstream status" }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type fakeStore struct {
	mu      sync.Mutex
	records map[string]map[string]domain.Consultation
	putErr  error
	getErr  error
	listErr error
	delErr  error

	lastLimit, lastOffset int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]map[string]domain.Consultation{}}
}

func (f *fakeStore) PutConsultation(_ context.Context, userID string, c domain.Consultation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if f.records[userID] == nil {
		f.records[userID] = map[string]domain.Consultation{}
	}
	f.records[userID][c.ID] = c
	return nil
}

func (f *fakeStore) GetConsultation(_ context.Context, userID, id string) (domain.Consultation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Consultation{}, f.getErr
	}
	c, ok := f.records[userID][id]
	if !ok {
		return domain.Consultation{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListConsultations(_ context.Context, userID string, limit, offset int) ([]domain.Consultation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Consultation
	for _, c := range f.records[userID] {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) DeleteConsultation(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.records[userID], id)
	return nil
}

type fakeQuota struct {
	err   error
	users []string
}

func (f *fakeQuota) CheckAndIncrement(_ context.Context, userID string) (int, error) {
	f.users = append(f.users, userID)
	if f.err != nil {
		return 0, f.err
	}
	return len(f.users), nil
}

const approveAllDraft = `{
	"questionType": "yesno",
	"rounds": [
		{"logic": "l1", "heart": "h1", "flash": "f1"},
		{"logic": "l2", "heart": "h2", "flash": "f2"},
		{"logic": "l3", "heart": "h3", "flash": "f3"}
	],
	"resolution": {
		"votes": {"logic": "approve", "heart": "approve", "flash": "approve"},
		"reasoning": ["Better pay"],
		"nextSteps": ["Negotiate start date"],
		"reviewDate": "2026-03-10",
		"risks": ["Longer commute"]
	}
}`

func newTestService(t *testing.T, llm *fakeLLM, store *fakeStore, q QuotaChecker) *DeliberationService {
	t.Helper()
	s, err := NewDeliberationService(llm, store, q, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func stubUUID(t *testing.T, id string) {
	t.Helper()
	orig := newUUID
	newUUID = func() string { return id }
	t.Cleanup(func() { newUUID = orig })
}

func asUsecaseError(t *testing.T, err error) *Error {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	return ue
}

func bodyUser(uid string) Caller {
	return Caller{Identity: auth.Identity{Status: auth.Unauthenticated}, UserID: uid}
}

func TestDeliberate_HappyPathPersistsAndIsRetrievable(t *testing.T) {
	stubUUID(t, "c-123")
	llm := &fakeLLM{raw: approveAllDraft}
	store := newFakeStore()
	q := &fakeQuota{}
	s := newTestService(t, llm, store, q)

	rec, err := s.Deliberate(context.Background(), DeliberateInput{
		Caller:       bodyUser("u1"),
		Consultation: "Should I take the job?",
	})
	require.NoError(t, err)
	require.Equal(t, "c-123", rec.ID)
	require.Equal(t, "Should I take the job?", rec.Question)
	require.Equal(t, draft.DecisionProceed, rec.Resolution.Decision)
	require.Equal(t, "2026-03-10", rec.Resolution.ReviewDate)
	require.Len(t, rec.Rounds, 3)
	require.Equal(t, "h2", rec.Rounds[1].Messages[1].Message)
	require.True(t, fixedNow.Equal(rec.CreatedAt))

	require.Equal(t, []string{"u1"}, q.users)
	require.Len(t, llm.got, 2)
	require.Equal(t, domain.RoleSystem, llm.got[0].Role)
	require.Equal(t, "Consultation: Should I take the job?", llm.got[1].Content)

	got, err := s.Get(context.Background(), bodyUser("u1"), "c-123")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Resolution, got.Resolution)
}

func TestDeliberate_AuthenticatedIdentityWins(t *testing.T) {
	store := newFakeStore()
	q := &fakeQuota{}
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, store, q)

	_, err := s.Deliberate(context.Background(), DeliberateInput{
		Caller:       Caller{Identity: auth.Identity{Status: auth.Authenticated, UserID: "token-user"}, UserID: "body-user"},
		Consultation: "q",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"token-user"}, q.users)
	require.Len(t, store.records["token-user"], 1)
	require.Empty(t, store.records["body-user"])
}

func TestDeliberate_InvalidIdentityFallsBackToSuppliedUser(t *testing.T) {
	q := &fakeQuota{}
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, newFakeStore(), q)

	_, err := s.Deliberate(context.Background(), DeliberateInput{
		Caller:       Caller{Identity: auth.Identity{Status: auth.Invalid, Err: errors.New("expired")}, UserID: "body-user"},
		Consultation: "q",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"body-user"}, q.users)
}

func TestDeliberate_InvalidInput(t *testing.T) {
	llm := &fakeLLM{raw: approveAllDraft}
	q := &fakeQuota{}
	s := newTestService(t, llm, newFakeStore(), q)

	cases := map[string]struct {
		text   string
		reason string
	}{
		"empty":    {"", "empty_consultation"},
		"blank":    {"   ", "empty_consultation"},
		"too long": {strings.Repeat("あ", 501), "consultation_too_long"},
	}
	for name, tc := range cases {
		_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: tc.text})
		ue := asUsecaseError(t, err)
		require.Equal(t, ErrorInvalidInput, ue.Code, name)
		require.Equal(t, tc.reason, ue.Reason, name)
		require.Contains(t, ue.Fields, "consultation", name)
	}
	require.Zero(t, llm.calls)
	require.Empty(t, q.users)
}

func TestDeliberate_MaxLengthCountsCharacters(t *testing.T) {
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, newFakeStore(), &fakeQuota{})
	_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: strings.Repeat("あ", 500)})
	require.NoError(t, err)
}

func TestDeliberate_MissingUser(t *testing.T) {
	q := &fakeQuota{}
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, newFakeStore(), q)
	_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser(" "), Consultation: "q"})
	require.Equal(t, ErrorMissingUser, asUsecaseError(t, err).Code)
	require.Empty(t, q.users)
}

func TestDeliberate_QuotaExceeded(t *testing.T) {
	llm := &fakeLLM{raw: approveAllDraft}
	store := newFakeStore()
	q := &fakeQuota{err: &quota.ExceededError{Limit: 10, ResetAt: "2026-02-27T24:00:00+09:00", ResetIn: 12 * time.Hour}}
	s := newTestService(t, llm, store, q)

	_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorDailyLimit, ue.Code)
	require.Equal(t, "2026-02-27T24:00:00+09:00", ue.ResetAt)
	require.Equal(t, 12*time.Hour, ue.RetryAfter)
	require.Equal(t, 10, ue.Limit)
	require.ErrorIs(t, err, quota.ErrLimitReached)
	require.Zero(t, llm.calls)
	require.Empty(t, store.records)
}

func TestDeliberate_QuotaStoreFailure(t *testing.T) {
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, newFakeStore(), &fakeQuota{err: errors.New("dynamo down")})
	_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorInternal, ue.Code)
	require.Equal(t, "quota_store_error", ue.Reason)
}

func TestDeliberate_UpstreamFailureIsFatalAndPersistsNothing(t *testing.T) {
	for _, upstreamErr := range []error{errors.New("connection reset"), &statusErr{code: 429}, &statusErr{code: 500}} {
		store := newFakeStore()
		q := &fakeQuota{}
		s := newTestService(t, &fakeLLM{err: upstreamErr}, store, q)

		_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
		ue := asUsecaseError(t, err)
		require.Equal(t, ErrorUpstream, ue.Code)
		require.Empty(t, store.records)
		require.Len(t, q.users, 1, "quota slot is spent even when the backend fails")
	}
}

func TestDeliberate_UnparseableDraftUsesFallback(t *testing.T) {
	s := newTestService(t, &fakeLLM{raw: "Sorry, I cannot help with that."}, newFakeStore(), &fakeQuota{})
	rec, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
	require.NoError(t, err)
	require.Equal(t, domain.QuestionYesNo, rec.Resolution.QuestionType)
	require.Equal(t, draft.FallbackDecision, rec.Resolution.Decision)
	require.Equal(t, domain.Votes{Logic: domain.VotePending, Heart: domain.VotePending, Flash: domain.VotePending}, rec.Resolution.Votes)
	require.Len(t, rec.Rounds, 3)
}

func TestDeliberate_PersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("write failed")
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, store, &fakeQuota{})
	_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorInternal, ue.Code)
	require.Equal(t, "store_write_error", ue.Reason)
}

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) IncrementBelow(_ context.Context, userID, dateKey string, limit int, _ time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := userID + "/" + dateKey
	if c.counts[key] >= limit {
		return 0, quota.ErrLimitReached
	}
	c.counts[key]++
	return c.counts[key], nil
}

func TestDeliberate_EleventhRequestOfTheDayIsRejected(t *testing.T) {
	ledger, err := quota.NewLedger(&countingCounter{counts: map[string]int{}}, quota.DefaultDailyLimit,
		quota.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	s := newTestService(t, &fakeLLM{raw: approveAllDraft}, newFakeStore(), ledger)

	for i := 0; i < quota.DefaultDailyLimit; i++ {
		_, err := s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
		require.NoError(t, err)
	}
	_, err = s.Deliberate(context.Background(), DeliberateInput{Caller: bodyUser("u1"), Consultation: "q"})
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorDailyLimit, ue.Code)
	require.Equal(t, "2026-02-27T24:00:00+09:00", ue.ResetAt)
}

func TestClampPage(t *testing.T) {
	cases := []struct{ limit, offset, wantLimit, wantOffset int }{
		{10, 0, 10, 0},
		{0, 0, 1, 0},
		{-3, -1, 1, 0},
		{51, 5, 50, 5},
		{50, 100, 50, 100},
	}
	for _, tc := range cases {
		l, o := ClampPage(tc.limit, tc.offset)
		require.Equal(t, tc.wantLimit, l)
		require.Equal(t, tc.wantOffset, o)
	}
}

func TestHistory(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})

	items, err := s.History(context.Background(), HistoryInput{Caller: bodyUser("u1"), Limit: 200, Offset: -2})
	require.NoError(t, err)
	require.NotNil(t, items)
	require.Empty(t, items)
	require.Equal(t, 50, store.lastLimit)
	require.Equal(t, 0, store.lastOffset)

	_, err = s.History(context.Background(), HistoryInput{Caller: bodyUser("")})
	require.Equal(t, ErrorMissingUser, asUsecaseError(t, err).Code)

	store.listErr = errors.New("boom")
	_, err = s.History(context.Background(), HistoryInput{Caller: bodyUser("u1"), Limit: 10})
	require.Equal(t, ErrorInternal, asUsecaseError(t, err).Code)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestService(t, &fakeLLM{}, newFakeStore(), &fakeQuota{})
	_, err := s.Get(context.Background(), bodyUser("u1"), "missing")
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorNotFound, ue.Code)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGet_StoreError(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("timeout")
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})
	_, err := s.Get(context.Background(), bodyUser("u1"), "c1")
	require.Equal(t, ErrorInternal, asUsecaseError(t, err).Code)
}

func TestSave_FromPayload(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})

	err := s.Save(context.Background(), SaveInput{
		Caller:         bodyUser("u2"),
		ConsultationID: "path-id",
		Consultation:   &domain.Consultation{ID: "body-id", Question: "copied"},
	})
	require.NoError(t, err)

	saved := store.records["u2"]["path-id"]
	require.Equal(t, "path-id", saved.ID)
	require.Equal(t, "copied", saved.Question)
	require.True(t, fixedNow.Equal(saved.CreatedAt))
	require.NotNil(t, saved.Rounds)
}

func TestSave_KeepsExistingCreatedAt(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})
	created := fixedNow.Add(-48 * time.Hour)

	require.NoError(t, s.Save(context.Background(), SaveInput{
		Caller:         bodyUser("u2"),
		ConsultationID: "c1",
		Consultation:   &domain.Consultation{CreatedAt: created},
	}))
	require.True(t, created.Equal(store.records["u2"]["c1"].CreatedAt))
}

func TestSave_CopiesFromSourceUser(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})
	src := domain.Consultation{ID: "c1", Question: "shared", CreatedAt: fixedNow.Add(-time.Hour)}
	require.NoError(t, store.PutConsultation(context.Background(), "owner", src))

	require.NoError(t, s.Save(context.Background(), SaveInput{Caller: bodyUser("friend"), ConsultationID: "c1", SourceUserID: "owner"}))

	copied := store.records["friend"]["c1"]
	require.Equal(t, "shared", copied.Question)
	require.True(t, src.CreatedAt.Equal(copied.CreatedAt))
	require.Contains(t, store.records["owner"], "c1")
}

func TestSave_MissingData(t *testing.T) {
	s := newTestService(t, &fakeLLM{}, newFakeStore(), &fakeQuota{})

	err := s.Save(context.Background(), SaveInput{Caller: bodyUser("u1"), ConsultationID: "c1"})
	ue := asUsecaseError(t, err)
	require.Equal(t, ErrorInvalidInput, ue.Code)
	require.Equal(t, "missing_consultation_data", ue.Reason)

	err = s.Save(context.Background(), SaveInput{Caller: bodyUser("u1"), ConsultationID: "c1", SourceUserID: "nobody"})
	require.Equal(t, "missing_consultation_data", asUsecaseError(t, err).Reason)

	err = s.Save(context.Background(), SaveInput{Caller: bodyUser(""), ConsultationID: "c1"})
	require.Equal(t, ErrorMissingUser, asUsecaseError(t, err).Code)
}

func TestDelete_Idempotent(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, &fakeLLM{}, store, &fakeQuota{})
	require.NoError(t, store.PutConsultation(context.Background(), "u1", domain.Consultation{ID: "c1"}))

	require.NoError(t, s.Delete(context.Background(), bodyUser("u1"), "c1"))
	require.NoError(t, s.Delete(context.Background(), bodyUser("u1"), "c1"))
	require.Empty(t, store.records["u1"])

	store.delErr = errors.New("denied")
	require.Equal(t, ErrorInternal, asUsecaseError(t, s.Delete(context.Background(), bodyUser("u1"), "c1")).Code)
}

func TestNewDeliberationService_NilDeps(t *testing.T) {
	_, err := NewDeliberationService(nil, newFakeStore(), &fakeQuota{})
	require.Error(t, err)
	_, err = NewDeliberationService(&fakeLLM{}, nil, &fakeQuota{})
	require.Error(t, err)
	_, err = NewDeliberationService(&fakeLLM{}, newFakeStore(), nil)
	require.Error(t, err)
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "usecase: NOT_FOUND (x)", newError(ErrorNotFound, "x", nil).Error())
	require.Equal(t, "usecase: INTERNAL_ERROR (y): boom", newError(ErrorInternal, "y", errors.New("boom")).Error())
	var nilErr *Error
	require.Empty(t, nilErr.Error())
	require.Nil(t, nilErr.Unwrap())
}
