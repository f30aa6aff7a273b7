package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tecbrain/internal/config"
	"tecbrain/internal/credential"
	"tecbrain/internal/domain"
	"tecbrain/internal/storage"
	logx "tecbrain/pkg/logx"
)

// AccountInput is what the add-account command collects.
type AccountInput struct {
	Name       string
	Username   string
	Password   string
	ChatID     int64
	RootFolder string
	// UseKeyring keeps the password in the OS keyring instead of the accounts table.
	UseKeyring bool
}

// AddAccount opens the configured store and upserts the account keyed by source username.
func AddAccount(ctx context.Context, cfg *config.Config, in AccountInput, log logx.Logger) (domain.Account, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	resolver, err := newResolver(cfg)
	if err != nil {
		return domain.Account{}, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return domain.Account{}, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return domain.Account{}, err
	}
	defer store.Close()
	return addAccount(ctx, store, resolver, in)
}

func addAccount(ctx context.Context, store storage.Store, resolver *credential.Resolver, in AccountInput) (domain.Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return domain.Account{}, errors.New("username is required")
	}
	if in.Password == "" {
		return domain.Account{}, errors.New("password is required")
	}
	if in.ChatID == 0 {
		return domain.Account{}, errors.New("chat id is required")
	}

	var ref string
	var err error
	if in.UseKeyring {
		ref, err = resolver.Store("account:"+in.Username, in.Password)
	} else {
		ref, err = resolver.Seal(in.Password)
		if errors.Is(err, credential.ErrBadKey) {
			err = fmt.Errorf("credentials.encryption_key (or DB_ENCRYPTION_KEY) is required unless the keyring is used: %w", err)
		}
	}
	if err != nil {
		return domain.Account{}, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Username
	}
	return store.UpsertAccount(ctx, domain.Account{
		Name:           name,
		SourceUsername: in.Username,
		CredentialRef:  ref,
		ChatID:         in.ChatID,
		RootFolder:     strings.TrimSpace(in.RootFolder),
		Active:         true,
	})
}
