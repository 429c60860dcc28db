package accurate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// ErrDatabaseNotOpened возвращается, если база данных учётной системы ещё не выбрана.
var ErrDatabaseNotOpened = errors.New("ledger database is not opened")

// refreshSkew задаёт запас до истечения токена, при котором он обновляется заранее.
const refreshSkew = 5 * time.Minute

const scopes = "item_view customer_view customer_save sales_invoice_view sales_invoice_save sales_receipt_view sales_receipt_save"

// SessionStore хранит единственную OAuth-сессию учётной системы.
type SessionStore interface {
	LoadLedgerSession(ctx context.Context) (*model.LedgerSession, error)
	SaveLedgerSession(ctx context.Context, s model.LedgerSession) error
}

// OAuthConfig содержит параметры OAuth-клиента учётной системы.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	BaseURL      string
}

// SessionProvider выдаёт действующую сессию учётной системы и обновляет токены при приближении срока.
type SessionProvider struct {
	cfg        OAuthConfig
	store      SessionStore
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	current *model.LedgerSession
}

// NewSessionProvider создаёт провайдер сессий поверх хранилища.
func NewSessionProvider(cfg OAuthConfig, store SessionStore) *SessionProvider {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 15 * time.Second

	return &SessionProvider{
		cfg:        cfg,
		store:      store,
		httpClient: hc,
		now:        time.Now,
	}
}

// AuthorizeURL возвращает адрес страницы согласия OAuth.
func (p *SessionProvider) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("scope", scopes)
	q.Set("state", state)
	return p.cfg.AuthURL + "?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	Description  string `json:"error_description"`
}

// Exchange обменивает код авторизации на токены. Повторная авторизация заменяет сессию целиком,
// поэтому после неё базу данных нужно открыть заново.
func (p *SessionProvider) Exchange(ctx context.Context, code string) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.cfg.RedirectURL)

	tok, err := p.requestToken(ctx, form)
	if err != nil {
		return err
	}

	s := model.LedgerSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    p.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.SaveLedgerSession(ctx, s); err != nil {
		return err
	}
	p.current = &s
	return nil
}

type openDBResponse struct {
	S       bool            `json:"s"`
	D       json.RawMessage `json:"d"`
	Host    string          `json:"host"`
	Session string          `json:"session"`
}

// OpenDatabase выбирает рабочую базу данных и филиал по умолчанию.
func (p *SessionProvider) OpenDatabase(ctx context.Context, databaseID int64, branchName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.loadLocked(ctx)
	if err != nil {
		return err
	}
	if s, err = p.refreshIfNeededLocked(ctx, s); err != nil {
		return err
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/open-db.json?id=" + strconv.FormatInt(databaseID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer resp.Body.Close()

	var body openDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode open-db response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.S || body.Host == "" || body.Session == "" {
		return fmt.Errorf("%w: open database %d: %s", ErrRejected, databaseID, messageOf(body.D))
	}

	next := *s
	next.DatabaseID = databaseID
	next.Host = strings.TrimRight(body.Host, "/")
	next.SessionID = body.Session
	next.BranchName = branchName

	if err := p.store.SaveLedgerSession(ctx, next); err != nil {
		return err
	}
	p.current = &next
	return nil
}

// Session возвращает действующую сессию с открытой базой данных, обновляя токен при необходимости.
func (p *SessionProvider) Session(ctx context.Context) (*model.LedgerSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !s.DatabaseOpened() {
		p.current = nil
		return nil, ErrDatabaseNotOpened
	}

	s, err = p.refreshIfNeededLocked(ctx, s)
	if err != nil {
		// Следующий вызов перечитает хранилище: сессию могли переавторизовать с другого экземпляра.
		p.current = nil
		return nil, err
	}

	out := *s
	return &out, nil
}

func (p *SessionProvider) loadLocked(ctx context.Context) (*model.LedgerSession, error) {
	if p.current != nil {
		return p.current, nil
	}
	s, err := p.store.LoadLedgerSession(ctx)
	if err != nil {
		return nil, err
	}
	p.current = s
	return s, nil
}

// refreshIfNeededLocked вызывается под p.mu; конкурентные вызовы увидят уже обновлённый токен.
func (p *SessionProvider) refreshIfNeededLocked(ctx context.Context, s *model.LedgerSession) (*model.LedgerSession, error) {
	if p.now().Add(refreshSkew).Before(s.ExpiresAt) {
		return s, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.RefreshToken)

	tok, err := p.requestToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	next := *s
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = p.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := p.store.SaveLedgerSession(ctx, next); err != nil {
		return nil, err
	}
	p.current = &next
	return &next, nil
}

func (p *SessionProvider) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token endpoint status %d: %s %s", ErrRejected, resp.StatusCode, tok.Error, tok.Description)
	}
	return &tok, nil
}
