package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"unicode"
	"unicode/utf8"

	"atelier/api/internal/auth"
	"atelier/api/internal/store"
	"atelier/api/internal/tokens"
)

// Identity is the resolved caller: a stored user record plus the claim
// the credential carried.
type Identity struct {
	UserID    string
	SubjectID string
	Email     string
	Name      string
	Role      string
}

func (i Identity) IsAdmin() bool {
	return i.Role == "admin"
}

// ErrUnauthenticated means every verifier in the chain rejected the
// credential.
var ErrUnauthenticated = errors.New("credential rejected by all verifiers")

// Verifier validates a raw bearer credential and extracts its claim.
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Claim, error)
}

// JWTVerifier builds the signature verifier for the configured secret.
func JWTVerifier(secret []byte) Verifier {
	return jwtVerifier{secret: secret}
}

// StoredTokenVerifier builds the record-backed fallback verifier.
func StoredTokenVerifier(records tokenRecords) Verifier {
	return storedTokenVerifier{records: records}
}

type jwtVerifier struct {
	secret []byte
}

func (v jwtVerifier) Verify(_ context.Context, token string) (auth.Claim, error) {
	return auth.ParseToken(v.secret, token)
}

type tokenRecords interface {
	LookupToken(ctx context.Context, tokenHash string) (auth.Claim, error)
}

// storedTokenVerifier accepts credentials recorded out of band, keyed by
// token hash. It backstops the signature verifier for sessions issued
// before a secret rotation or by the legacy provider.
type storedTokenVerifier struct {
	records tokenRecords
}

func (v storedTokenVerifier) Verify(ctx context.Context, token string) (auth.Claim, error) {
	return v.records.LookupToken(ctx, auth.HashToken(token))
}

// ResolveIdentity runs the verifier chain in order and provisions a user
// record on first sight. A role carried by the credential overwrites the
// stored role; the returned identity reflects the new role in the same
// call.
func (s *Service) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthenticated
	}

	var claim auth.Claim
	verified := false
	for _, verifier := range s.verifiers {
		parsed, err := verifier.Verify(ctx, token)
		if err == nil {
			claim = parsed
			verified = true
			break
		}
		if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) && !errors.Is(err, tokens.ErrNotFound) {
			log.Printf("identity: verifier error: %v", err)
		}
	}
	if !verified {
		return Identity{}, ErrUnauthenticated
	}

	user, err := s.store.GetUserBySubject(ctx, claim.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = s.store.InsertUser(ctx, store.User{
			SubjectID:   claim.SubjectID,
			Email:       defaultEmail(claim),
			DisplayName: defaultName(claim),
			Role:        defaultRole(claim),
		})
	}
	if err != nil {
		return Identity{}, err
	}

	if claim.Role != "" && claim.Role != user.Role {
		if err := s.store.UpdateUserRole(ctx, user.ID, claim.Role); err != nil {
			return Identity{}, err
		}
		user.Role = claim.Role
	}

	return Identity{
		UserID:    user.ID,
		SubjectID: user.SubjectID,
		Email:     user.Email,
		Name:      user.DisplayName,
		Role:      user.Role,
	}, nil
}

func defaultEmail(claim auth.Claim) string {
	if claim.Email != "" {
		return claim.Email
	}
	return "unknown@example.com"
}

// defaultName derives a display name from the email local part when the
// credential carries none: "jane.doe@x" becomes "Jane Doe".
func defaultName(claim auth.Claim) string {
	if claim.Name != "" {
		return claim.Name
	}
	if claim.Email == "" {
		return "User"
	}
	local := claim.Email
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return "User"
	}
	for i, part := range parts {
		first, size := utf8.DecodeRuneInString(part)
		parts[i] = string(unicode.ToUpper(first)) + strings.ToLower(part[size:])
	}
	return strings.Join(parts, " ")
}

func defaultRole(claim auth.Claim) string {
	if claim.Role != "" {
		return claim.Role
	}
	return "user"
}
