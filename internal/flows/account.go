package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/credledger/identity"
)

// RegisterFailureKind classifies registration failures for root-level mapping.
type RegisterFailureKind int

const (
	RegisterFailureNone RegisterFailureKind = iota
	RegisterFailureInvalid
	RegisterFailurePasswordPolicy
	RegisterFailureConflict
	RegisterFailureHash
	RegisterFailureStore
)

// RegisterInput is a registration request after root-level defaults.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	TenantID string
	Roles    []string
}

// RegisterResult carries the created identity or failure metadata.
type RegisterResult struct {
	Failure  RegisterFailureKind
	Err      error
	Identity identity.Identity
}

// RegisterDeps captures registration dependencies.
type RegisterDeps struct {
	Identities IdentityStore
	Hasher     PasswordHasher
	Policy     PasswordPolicy
}

// RunRegister validates input, hashes the password and creates the
// identity. Usernames and emails share one case-insensitive namespace.
func RunRegister(ctx context.Context, in RegisterInput, deps RegisterDeps) RegisterResult {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	if in.Username == "" {
		return RegisterResult{Failure: RegisterFailureInvalid, Err: errors.New("username is empty")}
	}
	if in.Email != "" && !strings.Contains(in.Email, "@") {
		return RegisterResult{Failure: RegisterFailureInvalid, Err: errors.New("email is malformed")}
	}
	if err := deps.Policy.Check(in.Password); err != nil {
		return RegisterResult{Failure: RegisterFailurePasswordPolicy, Err: err}
	}

	hash, err := deps.Hasher.Hash(in.Password)
	if err != nil {
		return RegisterResult{Failure: RegisterFailureHash, Err: err}
	}

	created, err := deps.Identities.Create(ctx, identity.Identity{
		Username: in.Username,
		Email:    in.Email,
		TenantID: in.TenantID,
		Roles:    append([]string(nil), in.Roles...),
	}, hash)
	switch {
	case err == nil:
		return RegisterResult{Identity: created}
	case errors.Is(err, identity.ErrExists):
		return RegisterResult{Failure: RegisterFailureConflict, Err: err}
	default:
		return RegisterResult{Failure: RegisterFailureStore, Err: err}
	}
}
