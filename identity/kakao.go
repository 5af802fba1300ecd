package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"signind/autherr"
)

// KakaoConfig configures access token introspection for Kakao sign-in.
type KakaoConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// AppID is the numeric application id tokens must belong to. Empty
	// disables the check.
	AppID        string `yaml:"app_id" env:"APP_ID"`
	TokenInfoURL string `yaml:"token_info_url" env:"TOKEN_INFO_URL"`
	UserInfoURL  string `yaml:"user_info_url" env:"USER_INFO_URL"`
}

// KakaoVerifier introspects Kakao access tokens and loads the profile.
type KakaoVerifier struct {
	appID        string
	tokenInfoURL string
	userInfoURL  string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *slog.Logger
}

type kakaoTokenInfo struct {
	ID        int64 `json:"id"`
	AppID     int64 `json:"app_id"`
	ExpiresIn int64 `json:"expires_in"`
}

type kakaoUser struct {
	ID           int64 `json:"id"`
	KakaoAccount struct {
		Email   string `json:"email"`
		Profile struct {
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"profile"`
	} `json:"kakao_account"`
	Properties struct {
		ProfileImage string `json:"profile_image"`
	} `json:"properties"`
}

// NewKakaoVerifier builds the verifier. A zero timeout leaves the deadline
// to httpClient and the caller's context.
func NewKakaoVerifier(cfg KakaoConfig, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) (*KakaoVerifier, error) {
	if cfg.TokenInfoURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("kakao: token info and user info urls are required")
	}
	if cfg.AppID != "" {
		if _, err := strconv.ParseInt(cfg.AppID, 10, 64); err != nil {
			return nil, errors.New("kakao: app id must be numeric")
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KakaoVerifier{
		appID:        cfg.AppID,
		tokenInfoURL: cfg.TokenInfoURL,
		userInfoURL:  cfg.UserInfoURL,
		httpClient:   httpClient,
		timeout:      timeout,
		logger:       logger,
	}, nil
}

func (k *KakaoVerifier) Verify(ctx context.Context, providerToken string) (VerifiedIdentity, error) {
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	client := k.bearerClient(ctx, providerToken)

	var info kakaoTokenInfo
	if err := getJSON(ctx, client, k.tokenInfoURL, &info); err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeTokenExchangeFailed, autherr.ErrTokenExchangeFailed.Message, err)
	}
	if k.appID != "" && strconv.FormatInt(info.AppID, 10) != k.appID {
		k.logger.Warn("kakao token issued for another app", "app_id", info.AppID)
		return VerifiedIdentity{}, autherr.ErrAppIDMismatch
	}
	if info.ID == 0 {
		return VerifiedIdentity{}, autherr.ErrUserKeyMissing
	}

	var user kakaoUser
	if err := getJSON(ctx, client, k.userInfoURL, &user); err != nil {
		return VerifiedIdentity{}, autherr.Wrap(autherr.CodeUserInfoFetchFailed, autherr.ErrUserInfoFetchFailed.Message, err)
	}

	image := user.KakaoAccount.Profile.ProfileImageURL
	if image == "" {
		image = user.Properties.ProfileImage
	}

	k.logger.Debug("kakao access token verified", "user_id", info.ID)
	return VerifiedIdentity{
		ProviderUserKey: strconv.FormatInt(info.ID, 10),
		Email:           user.KakaoAccount.Email,
		DisplayImageURL: image,
	}, nil
}

// bearerClient returns a client that presents providerToken on every request.
func (k *KakaoVerifier) bearerClient(ctx context.Context, providerToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, k.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: providerToken,
		TokenType:   "Bearer",
	}))
}
