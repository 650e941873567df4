package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

var testSigningKey = []byte("test-signing-key-0123456789abcdef")

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type testHarness struct {
	clock         *controllableClock
	metrics       *CounterMetrics
	codec         *TokenCodec
	revocations   *MemoryRevocationStore
	tokens        *TokenService
	access        *AccessControl
	users         *testUserStore
	authenticator *RequestAuthenticator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := newControllableClock()
	metrics := NewCounterMetrics()
	codec, err := NewTokenCodec(testSigningKey, "tokenauth-test", clock)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	revocations := NewMemoryRevocationStore(clock)
	logger := zaptest.NewLogger(t)
	tokens, err := NewTokenService(TokenServiceDependencies{
		Codec:       codec,
		Revocations: revocations,
		Clock:       clock,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	access := NewAccessControl(nil)
	users := newTestUserStore()
	return &testHarness{
		clock:         clock,
		metrics:       metrics,
		codec:         codec,
		revocations:   revocations,
		tokens:        tokens,
		access:        access,
		users:         users,
		authenticator: NewRequestAuthenticator(tokens, users, access, logger, metrics),
	}
}

func (harness *testHarness) issue(t *testing.T, subjectID string, roles []string, ttl time.Duration) (string, TokenPayload) {
	t.Helper()
	token, payload, err := harness.tokens.Issue(context.Background(), subjectID, map[string]any{ClaimRoles: roles}, ttl)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token, payload
}

type testUserStore struct {
	mutex   sync.Mutex
	records map[string]UserRecord
	nextID  int
	failAll error
}

func newTestUserStore() *testUserStore {
	return &testUserStore{records: make(map[string]UserRecord)}
}

func (store *testUserStore) put(record UserRecord) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[record.ID] = record
}

func (store *testUserStore) FindUser(ctx context.Context, subjectID string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failAll != nil {
		return UserRecord{}, store.failAll
	}
	record, ok := store.records[subjectID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return record, nil
}

func (store *testUserStore) FindByUsername(ctx context.Context, username string) (UserRecord, error) {
	return store.findBy(func(record UserRecord) bool { return record.Username == username })
}

func (store *testUserStore) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	normalized := normalizeEmail(email)
	return store.findBy(func(record UserRecord) bool { return record.Email == normalized })
}

func (store *testUserStore) findBy(match func(UserRecord) bool) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failAll != nil {
		return UserRecord{}, store.failAll
	}
	for _, record := range store.records {
		if match(record) {
			return record, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (store *testUserStore) CreateUser(ctx context.Context, record UserRecord) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record.Email = normalizeEmail(record.Email)
	for _, existing := range store.records {
		if existing.Username == record.Username || existing.Email == record.Email {
			return UserRecord{}, ErrUserExists
		}
	}
	store.nextID++
	record.ID = fmt.Sprintf("user-%03d", store.nextID)
	store.records[record.ID] = record
	return record, nil
}

func (store *testUserStore) UpdatePassword(ctx context.Context, subjectID string, passwordHash string, setAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[subjectID]
	if !ok {
		return ErrUserNotFound
	}
	if record.PasswordHash != "" {
		record.PasswordHistory = append([]string{record.PasswordHash}, record.PasswordHistory...)
	}
	record.PasswordHash = passwordHash
	record.PasswordSetAt = setAt
	store.records[subjectID] = record
	return nil
}

func (store *testUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failAll != nil {
		return UserRecord{}, store.failAll
	}
	id := "google:" + googleSub
	email := normalizeEmail(userEmail)
	for existingID, existing := range store.records {
		if existingID != id && existing.Email == email {
			return UserRecord{}, ErrUserExists
		}
	}
	record, ok := store.records[id]
	if !ok {
		record = UserRecord{ID: id, Username: id, Roles: []string{string(RoleUser)}, Active: true}
	}
	record.Email = email
	record.DisplayName = userDisplayName
	store.records[id] = record
	return record, nil
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}
