package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/store"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

// AccountFinder resolves an external identity to its account and
// authorization scope. The store satisfies this interface; tests inject
// their own.
type AccountFinder interface {
	AccountByIdentity(ctx context.Context, identity string) (*monitor.Account, error)
}

// Authenticator validates the bearer credential presented at connection
// handshake and resolves it to an account with its authorization scope.
// Authentication is a gate: it runs before any topic join or event delivery.
type Authenticator struct {
	tokens   *token.Service
	accounts AccountFinder

	seenMutex sync.Mutex
	seen      map[string]struct{}
}

// NewAuthenticator returns a new authenticator.
func NewAuthenticator(tokens *token.Service, accounts AccountFinder) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		accounts: accounts,
		seen:     make(map[string]struct{}),
	}
}

// Authenticate verifies the credential and looks up the account. Every
// failure mode carries a distinct stable code, so the client can tell
// "refresh the token" from "log in again".
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*monitor.Account, error) {
	claims, err := a.tokens.Verify(credential)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenMissing):
			return nil, &AuthenticationError{Code: CodeTokenMissing, Message: "bearer token missing"}
		case errors.Is(err, token.ErrTokenExpired):
			return nil, &AuthenticationError{Code: CodeTokenExpired, Message: "bearer token expired"}
		default:
			return nil, &AuthenticationError{Code: CodeTokenInvalid, Message: "bearer token invalid"}
		}
	}

	account, err := a.accounts.AccountByIdentity(ctx, claims.Identity)
	if err == store.ErrNotFound {
		return nil, &AuthenticationError{Code: CodeAccountUnknown, Message: "no account for " + claims.Identity}
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5101: cannot look up account")
		return nil, &AuthenticationError{Code: CodeAccountUnknown, Message: "account lookup failed"}
	}
	if !account.Active {
		return nil, &AuthenticationError{Code: CodeAccountInactive, Message: "account is deactivated"}
	}

	// one observability event per identity and process lifetime, so
	// reconnects do not flood the log
	a.seenMutex.Lock()
	_, seen := a.seen[account.Identity]
	if !seen {
		a.seen[account.Identity] = struct{}{}
	}
	a.seenMutex.Unlock()
	if !seen {
		logger.FromContext(ctx).WithField("identity", account.Identity).
			Infof("first connection for identity, role %s, %d devices in scope", account.Role, len(account.DeviceIDs))
	}

	return account, nil
}
