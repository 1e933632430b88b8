package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/repository"
)

// --- フェイク ---

// fakeUserRepo はemailとgoogle_idの一意制約を再現するインメモリのユーザーリポジトリ。
type fakeUserRepo struct {
	mu          sync.Mutex
	users       map[string]*model.User
	createCalls int
	createErr   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByGoogleID(_ context.Context, googleID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.GoogleID == googleID {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	for _, u := range r.users {
		if u.Email == user.Email || (user.GoogleID != "" && u.GoogleID == user.GoogleID) {
			return fmt.Errorf("%w: users_email_key", repository.ErrDuplicate)
		}
	}
	c := *user
	r.users[user.ID] = &c
	return nil
}

func (r *fakeUserRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

// racingUserRepo は検索後・作成前に別リクエストがユーザーを作成した状況を決定的に再現する。
type racingUserRepo struct {
	*fakeUserRepo
	winner *model.User
}

func (r *racingUserRepo) Create(ctx context.Context, user *model.User) error {
	_ = r.fakeUserRepo.Create(ctx, r.winner)
	return r.fakeUserRepo.Create(ctx, user)
}

type countingMetrics struct{ created int }

func (m *countingMetrics) RecordUserCreated() { m.created++ }

// --- テスト ---

func TestResolveUser_NewEmail_CreatesExactlyOneUser(t *testing.T) {
	repo := newFakeUserRepo()
	metrics := &countingMetrics{}
	svc := NewService(repo, metrics)

	claims := &model.IdentityClaims{Subject: "sub-a", Email: "a@x.com", Name: "A", Picture: "https://example.com/a.png"}

	u, err := svc.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if u.ID == "" {
		t.Error("expected generated user ID")
	}
	if u.Email != "a@x.com" || u.Name != "A" || u.GoogleID != "sub-a" || u.ProfilePic != "https://example.com/a.png" {
		t.Errorf("user = %+v, claims not copied", u)
	}
	if u.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if repo.count() != 1 {
		t.Errorf("user count = %d, want 1", repo.count())
	}
	if metrics.created != 1 {
		t.Errorf("metrics created = %d, want 1", metrics.created)
	}
}

func TestResolveUser_SameEmailTwice_IsIdempotent(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	first, err := svc.ResolveUser(ctx, &model.IdentityClaims{Subject: "sub-a", Email: "a@x.com", Name: "A"})
	if err != nil {
		t.Fatalf("first ResolveUser() error = %v", err)
	}

	// 名前・画像が変わっていても既存ユーザーをそのまま返す
	second, err := svc.ResolveUser(ctx, &model.IdentityClaims{Subject: "sub-a", Email: "a@x.com", Name: "Renamed", Picture: "new.png"})
	if err != nil {
		t.Fatalf("second ResolveUser() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second.ID = %q, want %q", second.ID, first.ID)
	}
	if second.Name != "A" {
		t.Errorf("Name = %q, stored profile should not be refreshed", second.Name)
	}
	if repo.count() != 1 {
		t.Errorf("user count = %d, want 1", repo.count())
	}
	if repo.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", repo.createCalls)
	}
}

func TestResolveUser_EmailChangedAtProvider_MatchesBySubject(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	first, _ := svc.ResolveUser(ctx, &model.IdentityClaims{Subject: "sub-a", Email: "old@x.com", Name: "A"})
	second, err := svc.ResolveUser(ctx, &model.IdentityClaims{Subject: "sub-a", Email: "new@x.com", Name: "A"})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same user for same subject, got %q and %q", first.ID, second.ID)
	}
	if repo.count() != 1 {
		t.Errorf("user count = %d, want 1", repo.count())
	}
}

func TestResolveUser_DuplicateInsert_RereadsWinner(t *testing.T) {
	winner := &model.User{ID: "winner-id", GoogleID: "sub-a", Email: "a@x.com", Name: "A"}
	repo := &racingUserRepo{fakeUserRepo: newFakeUserRepo(), winner: winner}
	svc := NewService(repo, nil)

	u, err := svc.ResolveUser(context.Background(), &model.IdentityClaims{Subject: "sub-a", Email: "a@x.com", Name: "A"})
	if err != nil {
		t.Fatalf("ResolveUser() error = %v, duplicate should not be fatal", err)
	}
	if u.ID != "winner-id" {
		t.Errorf("ID = %q, want %q", u.ID, "winner-id")
	}
	if repo.count() != 1 {
		t.Errorf("user count = %d, want 1", repo.count())
	}
}

func TestResolveUser_ConcurrentFirstLogins_CreateOneUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)

	const n = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*model.User, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.ResolveUser(context.Background(), &model.IdentityClaims{
				Subject: "sub-c", Email: "c@x.com", Name: "C",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	if repo.count() != 1 {
		t.Fatalf("user count = %d, want exactly 1", repo.count())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d error = %v", i, errs[i])
		}
		if results[i].Email != "c@x.com" {
			t.Errorf("call %d email = %q", i, results[i].Email)
		}
		if results[i].ID != results[0].ID {
			t.Errorf("call %d ID = %q, want %q", i, results[i].ID, results[0].ID)
		}
	}
}

func TestResolveUser_CreateFailure_ReturnsError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.createErr = errors.New("connection reset")
	svc := NewService(repo, nil)

	_, err := svc.ResolveUser(context.Background(), &model.IdentityClaims{Subject: "sub-a", Email: "a@x.com"})
	if err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if errors.Is(err, repository.ErrDuplicate) {
		t.Error("plain persistence failure should not look like a duplicate")
	}
	if repo.count() != 0 {
		t.Errorf("user count = %d, want 0", repo.count())
	}
}

func TestResolveUser_MissingEmail_ReturnsError(t *testing.T) {
	svc := NewService(newFakeUserRepo(), nil)

	_, err := svc.ResolveUser(context.Background(), &model.IdentityClaims{Subject: "sub-a"})
	if err == nil {
		t.Fatal("expected error for claims without email")
	}
}
