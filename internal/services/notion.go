// Notion implementation of [catalog.Store] and of the target library
//
// API reference: https://developers.notion.com/reference
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

const (
	notionBaseURL    = "https://api.notion.com"
	notionAPIVersion = "2022-06-28"
	notionBaseDelay  = 100 * time.Millisecond
	notionMaxDelay   = 2 * time.Second
	notionMaxPage    = 100
	notionMaxText    = 2000
)

// NotionOptions configures the Notion client.
type NotionOptions struct {
	Token             string
	DatabaseID        string
	LibraryDatabaseID string
	BaseURL           string
	APIVersion        string
	RequestsPerSecond float64 // zero disables client-side throttling
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Properties        map[string][]string // logical field -> candidate property names
	Sources           map[string][]string // source name -> candidate property names
	HTTPClient        *http.Client        // base transport wrapped with the bearer token
	Logger            *log.Logger
}

// NotionOptionsFrom builds options from the application config.
func NotionOptionsFrom(cfg shared.NotionConfig) NotionOptions {
	return NotionOptions{
		Token:             cfg.Token,
		DatabaseID:        cfg.DatabaseID,
		LibraryDatabaseID: cfg.LibraryDatabaseID,
		BaseURL:           cfg.BaseURL,
		APIVersion:        cfg.APIVersion,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
		Properties:        cfg.Properties,
		Sources:           cfg.Sources,
	}
}

// notionClient is the shared transport: bearer auth, throttling and retries on 429/5xx.
type notionClient struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *log.Logger
}

func newNotionClient(ctx context.Context, opts NotionOptions) (*notionClient, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: notion token", shared.ErrMissingCredentials)
	}

	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	c := &notionClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiVersion: strings.TrimSpace(opts.APIVersion),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = notionBaseURL
	}
	if c.apiVersion == "" {
		c.apiVersion = notionAPIVersion
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = notionBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = notionMaxDelay
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// do sends one JSON request, retrying rate limits, server errors and network failures.
func (c *notionClient) do(ctx context.Context, method, path string, payload, result any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Notion-Version", c.apiVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", shared.ErrStoreUnreachable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if result != nil {
				if err := json.Unmarshal(respBody, result); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusConflict ||
			resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.logger.Debug("retrying notion request", "method", method, "path", path, "status", resp.StatusCode, "delay", delay)
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		return notionError(resp.StatusCode, respBody)
	}
}

func notionError(status int, body []byte) error {
	code, message := "", strings.TrimSpace(string(body))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
	}

	var sentinel error
	switch {
	case status == http.StatusNotFound || code == "object_not_found":
		sentinel = shared.ErrItemNotFound
	case status == http.StatusTooManyRequests:
		sentinel = shared.ErrRateLimited
	case status == http.StatusConflict:
		sentinel = shared.ErrConditionFailed
	case status >= 500:
		sentinel = shared.ErrStoreUnreachable
	case status == http.StatusBadRequest && code == "validation_error":
		sentinel = shared.ErrInvalidPatch
	default:
		sentinel = shared.ErrInvalidInput
	}
	return fmt.Errorf("%w: notion status=%d code=%s message=%s", sentinel, status, code, message)
}

func (c *notionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type notionDatabase struct {
	ID         string `json:"id"`
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

type notionPage struct {
	ID             string                    `json:"id"`
	CreatedTime    time.Time                 `json:"created_time"`
	LastEditedTime time.Time                 `json:"last_edited_time"`
	Archived       bool                      `json:"archived"`
	InTrash        bool                      `json:"in_trash"`
	Properties     map[string]notionProperty `json:"properties"`
}

func (p *notionPage) gone() bool { return p.Archived || p.InTrash }

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	NextCursor *string      `json:"next_cursor"`
	HasMore    bool         `json:"has_more"`
}

// notionSchema resolves logical fields against one database's properties.
type notionSchema struct {
	props   *catalog.AliasTable
	sources *catalog.AliasTable
	types   map[string]string // property name -> notion type
}

func (c *notionClient) loadSchema(ctx context.Context, databaseID string, opts NotionOptions, required ...string) (*notionSchema, error) {
	var db notionDatabase
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+databaseID, nil, &db); err != nil {
		return nil, fmt.Errorf("failed to read database %s: %w", databaseID, err)
	}

	available := make([]string, 0, len(db.Properties))
	types := make(map[string]string, len(db.Properties))
	for name, prop := range db.Properties {
		available = append(available, name)
		types[name] = prop.Type
	}

	props, err := catalog.NewAliasTable(opts.Properties, available, required...)
	if err != nil {
		return nil, fmt.Errorf("database %s: %w", databaseID, err)
	}
	sources, err := catalog.NewAliasTable(opts.Sources, available)
	if err != nil {
		return nil, fmt.Errorf("database %s: %w", databaseID, err)
	}
	return &notionSchema{props: props, sources: sources, types: types}, nil
}

func (s *notionSchema) get(page *notionPage, logical string) (notionProperty, bool) {
	name, ok := s.props.Resolve(logical)
	if !ok {
		return notionProperty{}, false
	}
	p, ok := page.Properties[name]
	return p, ok
}

func (s *notionSchema) text(page *notionPage, logical string) string {
	p, _ := s.get(page, logical)
	return strings.TrimSpace(p.Text())
}

func (s *notionSchema) signals(page *notionPage) models.IdentitySignals {
	sig := models.IdentitySignals{
		Title:       s.text(page, catalog.PropTitle),
		Artist:      s.text(page, catalog.PropArtist),
		Album:       s.text(page, catalog.PropAlbum),
		Fingerprint: s.text(page, catalog.PropFingerprint),
	}
	if p, ok := s.get(page, catalog.PropDuration); ok {
		if secs, ok := p.Float(); ok && secs > 0 {
			sig.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	for _, source := range s.sources.Logical() {
		name, _ := s.sources.Resolve(source)
		if v := strings.TrimSpace(page.Properties[name].Text()); v != "" {
			if sig.SourceIDs == nil {
				sig.SourceIDs = make(map[string]string)
			}
			sig.SourceIDs[source] = v
		}
	}
	return sig
}

// set writes logical=v into props. Fields the database does not carry are skipped.
func (s *notionSchema) set(props map[string]any, logical string, v any) {
	name, ok := s.props.Resolve(logical)
	if !ok {
		return
	}
	props[name] = encodeProperty(s.types[name], v)
}

// setSources writes one property per configured source. Sources missing from ids are cleared.
func (s *notionSchema) setSources(props map[string]any, ids map[string]string) {
	for _, source := range s.sources.Logical() {
		name, _ := s.sources.Resolve(source)
		props[name] = encodeProperty(s.types[name], ids[source])
	}
}

// NotionStore is a [catalog.Store] backed by a Notion database.
//
// Notion has no conditional writes, so patch conditions are evaluated against a fresh read immediately before the
// write. Registration order is the page creation time.
type NotionStore struct {
	client     *notionClient
	databaseID string
	schema     *notionSchema
}

// NewNotionStore reads the database schema and resolves the configured property aliases.
func NewNotionStore(ctx context.Context, opts NotionOptions) (*NotionStore, error) {
	if strings.TrimSpace(opts.DatabaseID) == "" {
		return nil, fmt.Errorf("%w: notion database id", shared.ErrMissingCredentials)
	}
	client, err := newNotionClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	schema, err := client.loadSchema(ctx, opts.DatabaseID, opts, catalog.RequiredProps...)
	if err != nil {
		return nil, err
	}
	return &NotionStore{client: client, databaseID: opts.DatabaseID, schema: schema}, nil
}

// Query implements [catalog.Store].
func (s *NotionStore) Query(ctx context.Context, q catalog.Query) (*catalog.Page, error) {
	body := map[string]any{
		"page_size": min(max(q.PageSize, 1), notionMaxPage),
		"sorts":     []map[string]string{{"timestamp": "created_time", "direction": "ascending"}},
	}
	if q.Cursor != "" {
		body["start_cursor"] = q.Cursor
	}
	if f := s.filter(q.Filter); f != nil {
		body["filter"] = f
	}

	var resp notionQueryResponse
	if err := s.client.do(ctx, http.MethodPost, "/v1/databases/"+s.databaseID+"/query", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}

	page := &catalog.Page{HasMore: resp.HasMore}
	if resp.NextCursor != nil {
		page.NextCursor = *resp.NextCursor
	}
	for i := range resp.Results {
		p := &resp.Results[i]
		if p.gone() {
			continue
		}
		item, err := s.decode(p)
		if err != nil {
			s.client.logger.Warn("skipping unreadable catalog page", "id", p.ID, "error", err)
			continue
		}
		if q.Filter.Matches(item) {
			page.Items = append(page.Items, item)
		}
	}
	return page, nil
}

// filter pushes the cheap part of a filter down to Notion; [catalog.FilterName.Matches] still runs on every page.
func (s *NotionStore) filter(f catalog.FilterName) map[string]any {
	stateProp, _ := s.schema.props.Resolve(catalog.PropState)
	stateType := s.schema.types[stateProp]

	switch f {
	case catalog.FilterUnprocessed:
		if stateType != "select" && stateType != "status" {
			return nil
		}
		var and []map[string]any
		for _, st := range models.States {
			if st.Terminal() {
				and = append(and, map[string]any{"property": stateProp, stateType: map[string]any{"does_not_equal": string(st)}})
			}
		}
		return map[string]any{"and": and}
	case catalog.FilterMissingSecondary:
		if stateType != "select" && stateType != "status" && stateType != "rich_text" {
			return nil
		}
		return map[string]any{"property": stateProp, stateType: map[string]any{"equals": string(models.StateComplete)}}
	case catalog.FilterLocked:
		holder, _ := s.schema.props.Resolve(catalog.PropLockHolder)
		return map[string]any{"property": holder, s.schema.types[holder]: map[string]any{"is_not_empty": true}}
	default:
		return nil
	}
}

// Get implements [catalog.Store].
func (s *NotionStore) Get(ctx context.Context, id string) (*models.CatalogItem, error) {
	var page notionPage
	if err := s.client.do(ctx, http.MethodGet, "/v1/pages/"+id, nil, &page); err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	if page.gone() {
		return nil, fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	return s.decode(&page)
}

// Patch implements [catalog.Store].
func (s *NotionStore) Patch(ctx context.Context, id string, p *catalog.Patch) error {
	if p == nil || p.Empty() {
		return fmt.Errorf("%w: nothing to write on %s", shared.ErrInvalidPatch, id)
	}

	if cond := p.Condition(); cond != nil {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cond.Satisfied(current) {
			return fmt.Errorf("%w: %s on %s", shared.ErrConditionFailed, cond, id)
		}
	}

	props, err := s.encode(p)
	if err != nil {
		return err
	}
	if err := s.client.do(ctx, http.MethodPatch, "/v1/pages/"+id, map[string]any{"properties": props}, nil); err != nil {
		return fmt.Errorf("failed to patch item %s: %w", id, err)
	}
	return nil
}

func (s *NotionStore) decode(page *notionPage) (*models.CatalogItem, error) {
	sc := s.schema
	item := &models.CatalogItem{
		ID:        page.ID,
		Sequence:  page.CreatedTime.UnixMilli(),
		Signals:   sc.signals(page),
		CreatedAt: page.CreatedTime,
		UpdatedAt: page.LastEditedTime,
	}

	state, ok := models.ParseState(sc.text(page, catalog.PropState))
	if !ok {
		return nil, fmt.Errorf("%w: page %s has unknown state %q", shared.ErrInvalidInput, page.ID, sc.text(page, catalog.PropState))
	}
	item.State = state

	if p, ok := sc.get(page, catalog.PropCompleted); ok {
		item.Completed = p.Bool()
	}
	if p, ok := sc.get(page, catalog.PropRating); ok {
		item.Rating, _ = p.Float()
	}
	if p, ok := sc.get(page, catalog.PropAttempts); ok {
		n, _ := p.Float()
		item.Attempts = int(n)
	}
	if p, ok := sc.get(page, catalog.PropDeadLetter); ok {
		item.DeadLetter = p.Bool()
	}
	item.RedirectTarget = sc.text(page, catalog.PropRedirect)

	if raw := sc.text(page, catalog.PropArtifacts); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Artifacts); err != nil {
			return nil, fmt.Errorf("%w: page %s has malformed artifacts: %v", shared.ErrInvalidInput, page.ID, err)
		}
	}

	if category := sc.text(page, catalog.PropErrorCategory); category != "" {
		item.LastError = &models.ItemError{
			Category: models.ErrorCategory(category),
			Reason:   sc.text(page, catalog.PropErrorReason),
			Message:  sc.text(page, catalog.PropErrorMessage),
		}
	}

	if holder := sc.text(page, catalog.PropLockHolder); holder != "" {
		tok := &models.LockToken{Holder: holder, Nonce: sc.text(page, catalog.PropLockNonce)}
		if p, ok := sc.get(page, catalog.PropLockAcquiredAt); ok {
			tok.AcquiredAt, _ = p.Time()
		}
		if p, ok := sc.get(page, catalog.PropLockExpiresAt); ok {
			tok.ExpiresAt, _ = p.Time()
		}
		item.Lock = tok
	}

	return item, nil
}

func (s *NotionStore) encode(p *catalog.Patch) (map[string]any, error) {
	v := p.Values()
	props := make(map[string]any)
	sc := s.schema

	for _, f := range p.Fields() {
		switch f {
		case catalog.FieldState:
			sc.set(props, catalog.PropState, string(v.State))
		case catalog.FieldCompleted:
			sc.set(props, catalog.PropCompleted, v.Completed)
		case catalog.FieldAttempts:
			sc.set(props, catalog.PropAttempts, v.Attempts)
		case catalog.FieldFingerprint:
			sc.set(props, catalog.PropFingerprint, v.Signals.Fingerprint)
		case catalog.FieldRedirect:
			sc.set(props, catalog.PropRedirect, v.RedirectTarget)
		case catalog.FieldDeadLetter:
			sc.set(props, catalog.PropDeadLetter, v.DeadLetter)
		case catalog.FieldRating:
			sc.set(props, catalog.PropRating, v.Rating)
		case catalog.FieldSignals:
			sig := v.Signals
			sc.set(props, catalog.PropTitle, sig.Title)
			sc.set(props, catalog.PropArtist, sig.Artist)
			sc.set(props, catalog.PropAlbum, sig.Album)
			sc.set(props, catalog.PropFingerprint, sig.Fingerprint)
			if sig.Duration > 0 {
				sc.set(props, catalog.PropDuration, sig.Duration.Seconds())
			} else {
				sc.set(props, catalog.PropDuration, nil)
			}
			sc.setSources(props, sig.SourceIDs)
		case catalog.FieldArtifacts:
			raw := ""
			if len(v.Artifacts) > 0 {
				b, err := json.Marshal(v.Artifacts)
				if err != nil {
					return nil, fmt.Errorf("failed to encode artifacts: %w", err)
				}
				raw = string(b)
			}
			sc.set(props, catalog.PropArtifacts, raw)
		case catalog.FieldError:
			var category, reason, message string
			if e := v.LastError; e != nil {
				category, reason, message = string(e.Category), e.Reason, truncate(e.Message, notionMaxText)
			}
			sc.set(props, catalog.PropErrorCategory, category)
			sc.set(props, catalog.PropErrorReason, reason)
			sc.set(props, catalog.PropErrorMessage, message)
		case catalog.FieldLock:
			var holder, nonce string
			var acquired, expires time.Time
			if tok := v.Lock; tok != nil {
				holder, nonce, acquired, expires = tok.Holder, tok.Nonce, tok.AcquiredAt, tok.ExpiresAt
			}
			sc.set(props, catalog.PropLockHolder, holder)
			sc.set(props, catalog.PropLockNonce, nonce)
			sc.set(props, catalog.PropLockAcquiredAt, acquired)
			sc.set(props, catalog.PropLockExpiresAt, expires)
		}
	}
	return props, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NotionLibrary is the target library kept in a second Notion database.
type NotionLibrary struct {
	client     *notionClient
	databaseID string
	schema     *notionSchema
}

// NewNotionLibrary reads the library database schema. Only a title property is required.
func NewNotionLibrary(ctx context.Context, opts NotionOptions) (*NotionLibrary, error) {
	if strings.TrimSpace(opts.LibraryDatabaseID) == "" {
		return nil, fmt.Errorf("%w: notion library database id", shared.ErrMissingConfig)
	}
	client, err := newNotionClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	schema, err := client.loadSchema(ctx, opts.LibraryDatabaseID, opts, catalog.PropTitle)
	if err != nil {
		return nil, err
	}
	return &NotionLibrary{client: client, databaseID: opts.LibraryDatabaseID, schema: schema}, nil
}

// ListEntries pages through the whole library database.
func (l *NotionLibrary) ListEntries(ctx context.Context) ([]*models.LibraryEntry, error) {
	var entries []*models.LibraryEntry
	cursor := ""
	for {
		body := map[string]any{
			"page_size": notionMaxPage,
			"sorts":     []map[string]string{{"timestamp": "created_time", "direction": "ascending"}},
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var resp notionQueryResponse
		if err := l.client.do(ctx, http.MethodPost, "/v1/databases/"+l.databaseID+"/query", body, &resp); err != nil {
			return nil, fmt.Errorf("failed to list library: %w", err)
		}
		for i := range resp.Results {
			p := &resp.Results[i]
			if p.gone() {
				continue
			}
			entries = append(entries, &models.LibraryEntry{
				ID:        p.ID,
				Sequence:  p.CreatedTime.UnixMilli(),
				Signals:   l.schema.signals(p),
				CreatedAt: p.CreatedTime,
			})
		}

		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return entries, nil
		}
		cursor = *resp.NextCursor
	}
}

// Exists reports whether the library page id is present and not archived.
func (l *NotionLibrary) Exists(ctx context.Context, id string) (bool, error) {
	var page notionPage
	err := l.client.do(ctx, http.MethodGet, "/v1/pages/"+id, nil, &page)
	switch {
	case errors.Is(err, shared.ErrItemNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check library entry %s: %w", id, err)
	}
	return !page.gone(), nil
}
