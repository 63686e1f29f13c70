// Package content はメール本文に差し込む外部コンテンツ（最新記事一覧）を提供する。
package content

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/dripman/internal/security"
)

// maxTitleRunes は記事タイトルの最大文字数。
const maxTitleRunes = 140

// Article はメールで紹介する記事。
type Article struct {
	Title       string
	Link        string
	PublishedAt *time.Time
}

// URLValidator は記事リンクとフィードURLの検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ArticleSourceConfig はArticleSourceの設定。
type ArticleSourceConfig struct {
	FeedURL  string
	TTL      time.Duration
	MaxItems int
}

// ArticleSource はRSS/Atomフィードから最新記事を取得し、TTLの間キャッシュする。
// 取得に失敗した場合は直前のキャッシュ（なければ空）を返し、エラーを呼び出し元へ伝播しない。
type ArticleSource struct {
	httpClient *http.Client
	validator  URLValidator
	sanitizer  security.TextSanitizer
	logger     *slog.Logger
	config     ArticleSourceConfig
	now        func() time.Time

	mu        sync.Mutex
	cached    []Article
	fetchedAt time.Time
}

// NewArticleSource はArticleSourceを生成する。
// MaxItemsが0以下の場合は3件、TTLが0以下の場合は1時間を使用する。
func NewArticleSource(
	httpClient *http.Client,
	validator URLValidator,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	config ArticleSourceConfig,
) *ArticleSource {
	if config.MaxItems <= 0 {
		config.MaxItems = 3
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	return &ArticleSource{
		httpClient: httpClient,
		validator:  validator,
		sanitizer:  sanitizer,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// Latest は最新記事一覧を返す。フィードURLが未設定の場合は常にnilを返す。
func (s *ArticleSource) Latest(ctx context.Context) []Article {
	if s == nil || s.config.FeedURL == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.config.TTL {
		return s.cached
	}

	articles, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("記事フィードの取得に失敗しました",
			slog.String("feed_url", s.config.FeedURL),
			slog.String("error", err.Error()),
		)
		// 失敗時も次回TTL経過まで再取得しない
		s.fetchedAt = s.now()
		return s.cached
	}

	s.cached = articles
	s.fetchedAt = s.now()
	return s.cached
}

// fetch はフィードを取得してパースする。
func (s *ArticleSource) fetch(ctx context.Context) ([]Article, error) {
	if err := s.validator.ValidateURL(s.config.FeedURL); err != nil {
		return nil, fmt.Errorf("フィードURLの検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Dripman/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("フィードがステータス %d を返しました", resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	articles := make([]Article, 0, s.config.MaxItems)
	for _, item := range feed.Items {
		if len(articles) >= s.config.MaxItems {
			break
		}
		link := strings.TrimSpace(item.Link)
		title := s.sanitizer.Text(item.Title, maxTitleRunes)
		if link == "" || title == "" {
			continue
		}
		if !strings.HasPrefix(link, "https://") && !strings.HasPrefix(link, "http://") {
			continue
		}
		articles = append(articles, Article{
			Title:       title,
			Link:        link,
			PublishedAt: item.PublishedParsed,
		})
	}

	return articles, nil
}
