package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/chatlink/internal/model"
	"github.com/hitoshi/chatlink/internal/post"
	"github.com/hitoshi/chatlink/internal/security"
)

func TestToPostPageResult_ConvertsViews(t *testing.T) {
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	page := &model.PostPage{
		Posts: []model.PostView{
			{
				Post: model.Post{
					ID:            "p1",
					Content:       "c",
					URL:           "https://gemini.google.com/share/1",
					UserID:        "u1",
					CreatedAt:     created,
					FavoriteCount: 2,
					IPAddress:     "198.51.100.1",
				},
				Author:       model.Author{ID: "u1", Name: "Alice", ProfilePic: "https://pic"},
				Tags:         []string{"ai"},
				RepliesCount: 1,
				IsOwn:        true,
			},
			{Post: model.Post{ID: "p2"}},
		},
		Total:       2,
		CurrentPage: 1,
		Pages:       1,
	}

	result, err := toPostPageResult(page, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Posts) != 2 || result.Total != 2 || result.Pages != 1 || result.HasNext {
		t.Fatalf("result = %+v", result)
	}

	p := result.Posts[0]
	if p.ID != "p1" || p.URL != "https://gemini.google.com/share/1" || !p.CreatedAt.Equal(created) {
		t.Errorf("post = %+v", p)
	}
	if p.Author.Name != "Alice" || p.FavoriteCount != 2 || p.RepliesCount != 1 || !p.IsOwn || p.IsFavorited {
		t.Errorf("post = %+v", p)
	}
	if result.Posts[1].Tags == nil {
		t.Error("nil tags should become an empty slice so JSON renders []")
	}
}

func TestToPostPageResult_PropagatesError(t *testing.T) {
	wantErr := errors.New("db down")
	result, err := toPostPageResult(nil, wantErr)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestPostServiceAdapter_FavoriteStatus_AnonymousIsFalse(t *testing.T) {
	adapter := NewPostServiceAdapter(post.NewService(nil, nil, security.NewTextSanitizer(), nil, 0))

	got, err := adapter.FavoriteStatus(context.Background(), "", "3f1c2a9e-0000-4000-8000-000000000001")
	if err != nil {
		t.Fatalf("FavoriteStatus() error = %v", err)
	}
	if got.PostID != "3f1c2a9e-0000-4000-8000-000000000001" || got.IsFavorited {
		t.Errorf("FavoriteStatus() = %+v, want not favorited", got)
	}
}
