package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hitoshi/chatlink/internal/model"
)

const (
	// GoogleIssuer はGoogleのIDトークンの発行者。
	// go-oidcはスキームなしの"accounts.google.com"も同一発行者として受け入れる。
	GoogleIssuer = "https://accounts.google.com"

	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultGoogleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
)

// googleScopes はメールアドレス、プロフィール、OpenID Connectのスコープ。
var googleScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	oidc.ScopeOpenID,
}

// GoogleOIDCConfig はGoogle OIDCプロバイダーの設定。
type GoogleOIDCConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURL はIdPに事前登録した値と完全一致させる。実行時に推測しない。
	RedirectURL string

	// テスト用にオーバーライド可能な値
	AuthURL    string
	TokenURL   string
	JWKSURL    string
	Issuer     string
	KeySet     oidc.KeySet
	HTTPClient *http.Client
}

// GoogleOIDCProvider はGoogleに対するOAuth2認可コードフローとIDトークン検証を提供する。
type GoogleOIDCProvider struct {
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	redirect   *url.URL
	httpClient *http.Client
}

// NewGoogleOIDCProvider はGoogleOIDCProviderを生成する。
// ctxはリモートJWKSの取得に使われるため、アプリケーションの生存期間と同じものを渡す。
func NewGoogleOIDCProvider(ctx context.Context, config GoogleOIDCConfig) (*GoogleOIDCProvider, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	redirect, err := url.Parse(config.RedirectURL)
	if err != nil || redirect.Scheme == "" || redirect.Host == "" {
		return nil, fmt.Errorf("redirect URL must be absolute: %q", config.RedirectURL)
	}

	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.JWKSURL == "" {
		config.JWKSURL = defaultGoogleJWKSURL
	}
	if config.Issuer == "" {
		config.Issuer = GoogleIssuer
	}

	if config.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, config.HTTPClient)
	}
	keySet := config.KeySet
	if keySet == nil {
		keySet = oidc.NewRemoteKeySet(ctx, config.JWKSURL)
	}

	return &GoogleOIDCProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       googleScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		verifier:   oidc.NewVerifier(config.Issuer, keySet, &oidc.Config{ClientID: config.ClientID}),
		redirect:   redirect,
		httpClient: config.HTTPClient,
	}, nil
}

// AuthCodeURL はstateを含む認可URLを生成する。ネットワーク呼び出しは行わない。
func (p *GoogleOIDCProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// idTokenClaims はIDトークンから取り出すクレーム。
type idTokenClaims struct {
	Email         string    `json:"email"`
	EmailVerified claimBool `json:"email_verified"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
}

// claimBool は真偽値クレーム。JSONのtrue/falseと文字列"true"/"false"の両方を受け付ける。
type claimBool bool

func (b *claimBool) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseBool(strings.Trim(string(data), `"`))
	if err != nil {
		return fmt.Errorf("invalid boolean claim %s", data)
	}
	*b = claimBool(v)
	return nil
}

// Exchange はコールバックURLに含まれる認可コードをトークンに交換し、
// IDトークンを検証してクレームを返す。
// 交換の失敗はErrTokenExchange、検証の失敗はErrTokenVerificationでラップされる。
func (p *GoogleOIDCProvider) Exchange(ctx context.Context, callbackURL string) (*model.IdentityClaims, error) {
	code, err := p.extractCode(callbackURL)
	if err != nil {
		return nil, err
	}

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing from token response", ErrTokenVerification)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenVerification, err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrTokenVerification, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: id_token has no email claim", ErrTokenVerification)
	}
	// ユーザーはメールアドレスで照合されるため、未確認のアドレスは受け付けない
	if !claims.EmailVerified {
		return nil, fmt.Errorf("%w: email %s is not verified", ErrTokenVerification, claims.Email)
	}

	return &model.IdentityClaims{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// extractCode はコールバックURLから認可コードを取り出す。
// URLのスキーム・ホスト・パスは登録済みのリダイレクトURLと一致しなければならない。
func (p *GoogleOIDCProvider) extractCode(callbackURL string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid callback URL: %v", ErrTokenExchange, err)
	}
	if u.Scheme != p.redirect.Scheme || !strings.EqualFold(u.Host, p.redirect.Host) || u.Path != p.redirect.Path {
		return "", fmt.Errorf("%w: callback URL %s://%s%s does not match registered redirect URL",
			ErrTokenExchange, u.Scheme, u.Host, u.Path)
	}

	q := u.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		return "", fmt.Errorf("%w: provider returned error %q", ErrTokenExchange, providerErr)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: authorization code missing", ErrTokenExchange)
	}
	return code, nil
}

// compile-time interface check
var _ IdentityProvider = (*GoogleOIDCProvider)(nil)
