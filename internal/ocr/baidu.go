package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaiduTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	defaultBaiduOCRURL   = "https://aip.baidubce.com/rest/2.0/ocr/v1/accurate"
)

// BaiduConfig は百度 OCR（高精度版）の接続設定です。
type BaiduConfig struct {
	APIKey    string
	SecretKey string
	TokenURL  string
	OCRURL    string
	Timeout   time.Duration
	MaxSide   int
}

// Baidu は百度 OCR の REST API を呼び出すエンジンです。
type Baidu struct {
	cfg    BaiduConfig
	client *resty.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type ocrResponse struct {
	ErrorCode   int    `json:"error_code"`
	ErrorMsg    string `json:"error_msg"`
	WordsResult []struct {
		Words string `json:"words"`
	} `json:"words_result"`
}

// NewBaidu は Baidu を作成します。
func NewBaidu(cfg BaiduConfig) *Baidu {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultBaiduTokenURL
	}
	if cfg.OCRURL == "" {
		cfg.OCRURL = defaultBaiduOCRURL
	}
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = DefaultMaxSide
	}
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Baidu{cfg: cfg, client: client, now: time.Now}
}

func (b *Baidu) Name() string { return "baidu" }

// Available は API キーが設定されているかを返します。
func (b *Baidu) Available() bool {
	return b.cfg.APIKey != "" && b.cfg.SecretKey != ""
}

// Recognize は画像を送信し、認識された行を改行で連結して返します。
func (b *Baidu) Recognize(ctx context.Context, img []byte) (string, error) {
	if !b.Available() {
		return "", errors.New("baidu ocr is not configured")
	}
	prepared, err := Normalize(img, b.cfg.MaxSide)
	if err != nil {
		return "", err
	}
	token, err := b.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var result ocrResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetFormData(map[string]string{"image": base64.StdEncoding.EncodeToString(prepared)}).
		SetResult(&result).
		Post(b.cfg.OCRURL)
	if err != nil {
		return "", fmt.Errorf("baidu ocr request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("baidu ocr returned %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	if result.ErrorCode != 0 {
		// 110/111 はトークンの失効。次回は取り直す。
		if result.ErrorCode == 110 || result.ErrorCode == 111 {
			b.resetToken()
		}
		return "", fmt.Errorf("baidu ocr error %d: %s", result.ErrorCode, result.ErrorMsg)
	}

	lines := make([]string, 0, len(result.WordsResult))
	for _, w := range result.WordsResult {
		lines = append(lines, w.Words)
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		return "", errors.New("no text found")
	}
	return text, nil
}

func (b *Baidu) accessToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" && b.now().Before(b.tokenExpiry) {
		return b.token, nil
	}

	var tr tokenResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     b.cfg.APIKey,
			"client_secret": b.cfg.SecretKey,
		}).
		SetResult(&tr).
		Post(b.cfg.TokenURL)
	if err != nil {
		return "", fmt.Errorf("baidu token request failed: %w", err)
	}
	if resp.IsError() || tr.AccessToken == "" {
		return "", fmt.Errorf("baidu token request rejected (%d): %s %s", resp.StatusCode(), tr.Error, tr.ErrorDescription)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	b.token = tr.AccessToken
	// 期限ぎりぎりの失効を避けるため少し早めに更新する。
	b.tokenExpiry = b.now().Add(ttl - ttl/10)
	return b.token, nil
}

func (b *Baidu) resetToken() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
