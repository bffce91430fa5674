package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"post_pipeline/internal/domain"
)

const (
	SourceID   = "instagram"
	SourceName = "Instagram"

	permalinkFormat = "https://www.instagram.com/p/%s/"

	defaultPageSize = 12
	// pages allowed beyond what count/page size needs, for short pages
	extraPages = 5
)

// Config holds Instagram source configuration.
type Config struct {
	BaseURL        string
	WebURL         string
	AppID          string
	UserAgent      string
	SessionFile    string
	Username       string
	Password       string
	PageSize       int
	MaxPosts       int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Source fetches recent posts of a public profile through the Instagram
// web API, reusing a persisted login session.
type Source struct {
	httpClient     *http.Client
	baseURL        string
	webURL         string
	appID          string
	userAgent      string
	sessionFile    string
	username       string
	password       string
	pageSize       int
	maxPosts       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	session        *session
	logger         *slog.Logger
}

// New creates a new Instagram source.
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	return &Source{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		webURL:         strings.TrimRight(cfg.WebURL, "/"),
		appID:          cfg.AppID,
		userAgent:      cfg.UserAgent,
		sessionFile:    cfg.SessionFile,
		username:       cfg.Username,
		password:       cfg.Password,
		pageSize:       cfg.PageSize,
		maxPosts:       cfg.MaxPosts,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		session:        newSession(),
		logger:         logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (s *Source) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (s *Source) Name() string {
	return SourceName
}

// Authenticate makes sure the source holds a valid session. A saved session
// is tried first; when it is missing or rejected the source logs in with
// username and password and persists the new session.
func (s *Source) Authenticate(ctx context.Context) error {
	if s.sessionFile != "" {
		sess, err := loadSession(s.sessionFile)
		switch {
		case err == nil:
			s.session = sess
			verr := s.verifySession(ctx)
			if verr == nil {
				s.logger.Info("session loaded", "file", s.sessionFile)
				return nil
			}
			if !errors.Is(verr, domain.ErrAuthentication) {
				return fmt.Errorf("verify session: %w", verr)
			}
			s.logger.Warn("saved session expired, logging in again", "error", verr)
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Info("no saved session, logging in", "file", s.sessionFile)
		default:
			s.logger.Warn("ignoring unreadable session file", "file", s.sessionFile, "error", err)
		}
	}

	if s.username == "" || s.password == "" {
		return fmt.Errorf("%w: no valid session and no credentials configured", domain.ErrAuthentication)
	}

	s.session = newSession()
	if err := s.login(ctx); err != nil {
		return err
	}

	if s.sessionFile != "" {
		if err := s.session.save(s.sessionFile); err != nil {
			s.logger.Warn("failed to save session", "file", s.sessionFile, "error", err)
		} else {
			s.logger.Info("new session saved", "file", s.sessionFile)
		}
	}
	return nil
}

func (s *Source) verifySession(ctx context.Context) error {
	if !s.session.authenticated() {
		return fmt.Errorf("%w: session has no sessionid cookie", domain.ErrAuthentication)
	}
	var out apiError
	return s.doJSON(ctx, http.MethodGet, s.baseURL+"/accounts/current_user/?edit=true", nil, &out)
}

func (s *Source) login(ctx context.Context) error {
	// The login page sets the csrftoken cookie the ajax endpoint requires.
	if err := s.doJSON(ctx, http.MethodGet, s.webURL+"/accounts/login/", nil, nil); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}

	form := url.Values{}
	form.Set("username", s.username)
	form.Set("enc_password", fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), s.password))
	form.Set("queryParams", "{}")
	form.Set("optIntoOneTap", "false")

	var resp loginResponse
	err := s.doJSON(ctx, http.MethodPost, s.webURL+"/api/v1/web/accounts/login/ajax/", form, &resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if !resp.Authenticated || !s.session.authenticated() {
		reason := resp.Message
		switch {
		case resp.TwoFactorRequired:
			reason = "two factor authentication required"
		case resp.CheckpointURL != "":
			reason = "checkpoint required"
		case reason == "" && !resp.User:
			reason = "unknown user"
		case reason == "":
			reason = "wrong password"
		}
		return fmt.Errorf("%w: %s", domain.ErrAuthentication, reason)
	}

	s.logger.Info("logged in", "username", s.username)
	return nil
}

// FetchRecentPosts returns up to count of the profile's most recent posts,
// newest first. When a page fails, the posts parsed so far are returned
// together with an error wrapping domain.ErrFetch.
func (s *Source) FetchRecentPosts(ctx context.Context, handle string, count int) ([]domain.Post, error) {
	handle = domain.NormalizeHandle(handle)
	if handle == "" {
		return nil, errors.New("profile handle is empty")
	}
	if count <= 0 {
		return nil, fmt.Errorf("post count must be positive, got %d", count)
	}
	if s.maxPosts > 0 && count > s.maxPosts {
		s.logger.Warn("post count capped", "requested", count, "max", s.maxPosts)
		count = s.maxPosts
	}

	userID, err := s.resolveUserID(ctx, handle)
	if err != nil {
		return nil, fetchError(fmt.Errorf("resolve user %s: %w", handle, err))
	}

	posts := make([]domain.Post, 0, count)
	seen := make(map[string]struct{}, count)
	maxID := ""
	maxPages := (count+s.pageSize-1)/s.pageSize + extraPages

	for page := 0; len(posts) < count; page++ {
		if page >= maxPages {
			s.logger.Warn("page limit reached", "pages", page, "total", len(posts))
			break
		}

		resp, err := s.fetchPage(ctx, userID, min(s.pageSize, count-len(posts)), maxID)
		if err != nil {
			sortNewestFirst(posts)
			return posts, fetchError(fmt.Errorf("fetch page %d: %w", page, err))
		}

		added := 0
		for _, item := range resp.Items {
			if len(posts) >= count {
				break
			}
			id := string(item.PK)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			posts = append(posts, s.transform(handle, item))
			added++
		}

		s.logger.Debug("fetched page",
			"page", page,
			"items", len(resp.Items),
			"added", added,
			"total", len(posts),
		)

		if !resp.MoreAvailable || resp.NextMaxID == "" {
			break
		}
		if added == 0 || resp.NextMaxID == maxID {
			s.logger.Warn("feed cursor made no progress, stopping",
				"page", page,
				"max_id", resp.NextMaxID,
				"total", len(posts),
			)
			break
		}
		maxID = resp.NextMaxID
	}

	sortNewestFirst(posts)
	return posts, nil
}

func (s *Source) resolveUserID(ctx context.Context, handle string) (string, error) {
	var resp profileResponse
	u := fmt.Sprintf("%s/users/web_profile_info/?username=%s", s.baseURL, url.QueryEscape(handle))
	if err := s.getWithRetry(ctx, u, &resp); err != nil {
		return "", err
	}
	if resp.Data.User == nil || resp.Data.User.ID == "" {
		return "", fmt.Errorf("profile %q not found", handle)
	}
	return resp.Data.User.ID, nil
}

func (s *Source) fetchPage(ctx context.Context, userID string, count int, maxID string) (*feedResponse, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	if maxID != "" {
		q.Set("max_id", maxID)
	}
	u := fmt.Sprintf("%s/feed/user/%s/?%s", s.baseURL, url.PathEscape(userID), q.Encode())

	var resp feedResponse
	if err := s.getWithRetry(ctx, u, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Source) getWithRetry(ctx context.Context, u string, out any) error {
	op := func() error {
		err := s.doJSON(ctx, http.MethodGet, u, nil, out)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("request failed, retrying", "backoff", wait, "error", err)
	}

	err := backoff.RetryNotify(op, s.retryPolicy(ctx), notify)
	if err == nil || !isRetryable(err) {
		return err
	}
	return fmt.Errorf("after %d attempts: %w", s.maxAttempts, err)
}

func (s *Source) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)
}

// doJSON sends a request carrying the session cookies and decodes a JSON
// body into out when out is non-nil. form, when set, is sent url-encoded.
func (s *Source) doJSON(ctx context.Context, method, u string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-IG-App-ID", s.appID)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Referer", s.webURL+"/accounts/login/")
	}
	if token := s.session.csrfToken(); token != "" {
		req.Header.Set("X-CSRFToken", token)
	}
	s.session.apply(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	s.session.absorb(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	if err := checkStatus(resp.StatusCode, data); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(code int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d %s", domain.ErrAuthentication, code, apiErr.Message)
	case apiErr.Message == "login_required" || apiErr.Message == "checkpoint_required":
		return fmt.Errorf("%w: %s", domain.ErrAuthentication, apiErr.Message)
	case code == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("rate limited (429)")}
	case code >= 500:
		return &retryableError{err: fmt.Errorf("server error: %d", code)}
	case code != http.StatusOK:
		return fmt.Errorf("unexpected status: %d %s", code, apiErr.Message)
	}
	return nil
}

func (s *Source) transform(handle string, item mediaItem) domain.Post {
	post := domain.Post{
		ID:           string(item.PK),
		OwnerHandle:  handle,
		PublishedAt:  time.Unix(item.TakenAt, 0).UTC(),
		MediaKind:    domain.MediaKind(item.MediaType),
		LikeCount:    max(item.LikeCount, 0),
		CommentCount: max(item.CommentCount, 0),
	}
	if item.Caption != nil {
		post.Caption = item.Caption.Text
	}
	if item.Code != "" {
		post.Permalink = fmt.Sprintf(permalinkFormat, item.Code)
	}
	return post
}

func sortNewestFirst(posts []domain.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PublishedAt.After(posts[j].PublishedAt)
	})
}

// fetchError tags err as a fetch failure unless it already is an
// authentication failure, which callers treat as fatal.
func fetchError(err error) error {
	if errors.Is(err, domain.ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrFetch, err)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
