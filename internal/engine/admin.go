package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/events"
	"opex/internal/repo"
)

func (e Engine) ListRules(ctx context.Context, activeOnly bool) ([]approval.Rule, error) {
	if err := e.require(ctx, "rules", "view"); err != nil {
		if err2 := e.require(ctx, "rules", "manage"); err2 != nil {
			return nil, err
		}
	}
	return e.Repo.ListRules(ctx, activeOnly)
}

// AddRule stores a new rule. It applies to requests created afterwards;
// existing chains are never rebuilt.
func (e Engine) AddRule(ctx context.Context, rule approval.Rule) (approval.Rule, error) {
	if err := e.require(ctx, "rules", "manage"); err != nil {
		return approval.Rule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return approval.Rule{}, err
	}
	defer tx.Rollback()
	rule, err = e.Repo.InsertRule(ctx, tx, rule)
	if err != nil {
		return approval.Rule{}, err
	}
	if err := e.events().Append(ctx, tx, "rule.added", "rule", rule.ID, actorOf(ctx), events.EventPayload{
		"name":   rule.Name,
		"action": rule.ActionType,
		"target": rule.TargetApprover,
	}); err != nil {
		return approval.Rule{}, err
	}
	return rule, tx.Commit()
}

func (e Engine) RemoveRule(ctx context.Context, id string) error {
	if err := e.require(ctx, "rules", "manage"); err != nil {
		return err
	}
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.Log.Info().Str("rule_id", id).Str("rule", rule.Name).Str("actor", actorOf(ctx)).Msg("rule removed")
	return nil
}

// UpsertUser creates or replaces a directory member and their role grants.
func (e Engine) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := e.require(ctx, "users", "manage"); err != nil {
		return domain.User{}, err
	}
	u.Email = strings.TrimSpace(u.Email)
	if u.Email == "" {
		return domain.User{}, ValidationError{Field: "email", Message: "is required"}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt == "" {
		u.CreatedAt = repo.FormatTime(e.now())
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Repo.ReplaceRoles(ctx, tx, u.ID, u.Roles); err != nil {
		return domain.User{}, err
	}
	if err := e.events().Append(ctx, tx, "user.upserted", "user", u.ID, actorOf(ctx), events.EventPayload{
		"email": u.Email,
		"roles": u.RoleNames(),
	}); err != nil {
		return domain.User{}, err
	}
	return u, tx.Commit()
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := e.require(ctx, "users", "view"); err != nil {
		if err2 := e.require(ctx, "users", "manage"); err2 != nil {
			return nil, err
		}
	}
	return e.Repo.ListUsers(ctx)
}

// CreateAPIKey issues a key for a directory user. The plaintext key is only
// returned here; the database keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if err := e.require(ctx, "users", "manage"); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", ValidationError{Field: "user_id", Message: "unknown user " + userID}
		}
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plain := "opx_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, "apikey.created", "user", userID, actorOf(ctx), events.EventPayload{"key_id": key.ID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.require(ctx, "users", "manage"); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}
