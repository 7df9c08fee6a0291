package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	tokenFile       = "token.json"
)

// ErrNoToken is returned when no cached OAuth token exists and the
// provider may not prompt for one.
var ErrNoToken = errors.New("no cached oauth token, run `inboxstat login`")

// Session is an authenticated Gmail connection. HTTP is the authorized
// client behind Service when the provider exposes it; batch requests need it.
type Session struct {
	Service *gmail.Service
	HTTP    *http.Client
}

// CredentialProvider produces an authenticated Session.
type CredentialProvider interface {
	Session(ctx context.Context) (Session, error)
}

// PromptFunc shows authURL to the user and returns the pasted auth code.
type PromptFunc func(authURL string) (string, error)

// TokenFileProvider authenticates with an OAuth client file and a cached
// token, both kept in Dir.
type TokenFileProvider struct {
	Dir    string
	Prompt PromptFunc
	Logger *slog.Logger
}

// Session loads the cached token, running the consent flow through Prompt
// when there is none.
func (p TokenFileProvider) Session(ctx context.Context) (Session, error) {
	cfg, err := p.oauthConfig()
	if err != nil {
		return Session{}, err
	}
	tok, err := readToken(filepath.Join(p.Dir, tokenFile))
	if err != nil {
		if p.Prompt == nil {
			return Session{}, ErrNoToken
		}
		if tok, err = p.login(ctx, cfg); err != nil {
			return Session{}, err
		}
	}
	client := cfg.Client(ctx, tok)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return Session{}, fmt.Errorf("create gmail service: %w", err)
	}
	return Session{Service: svc, HTTP: client}, nil
}

// Login always runs the consent flow and replaces the cached token.
func (p TokenFileProvider) Login(ctx context.Context) error {
	cfg, err := p.oauthConfig()
	if err != nil {
		return err
	}
	_, err = p.login(ctx, cfg)
	return err
}

func (p TokenFileProvider) oauthConfig() (*oauth2.Config, error) {
	path := filepath.Join(p.Dir, credentialsFile)
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read client credentials %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client credentials: %w", err)
	}
	return cfg, nil
}

func (p TokenFileProvider) login(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	prompt := p.Prompt
	if prompt == nil {
		prompt = PromptAuthCode
	}
	code, err := prompt(cfg.AuthCodeURL("inboxstat", oauth2.AccessTypeOffline))
	if err != nil {
		return nil, fmt.Errorf("read auth code: %w", err)
	}
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	path := filepath.Join(p.Dir, tokenFile)
	if err := saveToken(path, tok); err != nil {
		return nil, err
	}
	if p.Logger != nil {
		p.Logger.Info("saved oauth token", slog.String("path", path))
	}
	return tok, nil
}

// PromptAuthCode asks for the code Google shows after consent.
func PromptAuthCode(authURL string) (string, error) {
	var code string
	err := huh.NewInput().
		Title("Authorize inboxstat").
		Description("Open this URL, grant read-only access and paste the code:\n" + authURL).
		Value(&code).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("code must not be empty")
			}
			return nil
		}).
		Run()
	return code, err
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// GmailctlProvider reuses the credentials gmailctl keeps in Dir. It exposes
// no HTTP client, so messages are fetched one request per id.
type GmailctlProvider struct {
	Dir string
}

// Session opens a Gmail service with gmailctl's stored token.
func (p GmailctlProvider) Session(ctx context.Context) (Session, error) {
	svc, err := (localcred.Provider{}).Service(ctx, p.Dir)
	if err != nil {
		return Session{}, fmt.Errorf("load gmailctl credentials from %s: %w", p.Dir, err)
	}
	return Session{Service: svc}, nil
}

var (
	_ CredentialProvider = TokenFileProvider{}
	_ CredentialProvider = GmailctlProvider{}
)
