package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"github.com/charmbracelet/huh"
)

const keyringService = "inboxstat"

// Passwords stores IMAP passwords in the system keyring.
type Passwords struct {
	Ring keyring.Keyring
}

// OpenPasswords opens the platform keyring, falling back to an encrypted
// file under dir.
func OpenPasswords(dir string) (*Passwords, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "keyring"),
		FilePasswordFunc:         keyring.FixedStringPrompt("inboxstat-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &Passwords{Ring: ring}, nil
}

func passwordKey(username, host string) string {
	return fmt.Sprintf("imap:%s@%s", username, host)
}

// Get returns the stored password for username at host.
func (p *Passwords) Get(username, host string) (string, error) {
	item, err := p.Ring.Get(passwordKey(username, host))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("no password stored for %s@%s, run `inboxstat imap-password`: %w",
			username, host, err)
	}
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(item.Data), nil
}

// Set stores password for username at host.
func (p *Passwords) Set(username, host, password string) error {
	err := p.Ring.Set(keyring.Item{
		Key:   passwordKey(username, host),
		Data:  []byte(password),
		Label: "inboxstat IMAP password",
	})
	if err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// PromptPassword asks for the IMAP password without echoing it.
func PromptPassword(username, host string) (string, error) {
	var password string
	err := huh.NewInput().
		Title(fmt.Sprintf("IMAP password for %s@%s", username, host)).
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("password must not be empty")
			}
			return nil
		}).
		Run()
	return password, err
}
