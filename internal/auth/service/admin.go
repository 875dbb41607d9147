package service

import (
	"context"
	"strings"

	"github.com/discoversutd/discover/internal/auth/models"
)

func (s *Service) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	users, err := s.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}

// DeactivateUser soft-deletes an account and revokes its sessions.
func (s *Service) DeactivateUser(ctx context.Context, actor *Identity, userID int64, client models.ClientInfo) error {
	if err := s.store.SetActive(ctx, userID, false); err != nil {
		return err
	}
	if _, err := s.store.DeactivateUserSessions(ctx, userID); err != nil {
		return err
	}
	s.RecordSecurityEvent(ctx, &userID, models.EventUserDeactivated, "account deactivated", client,
		map[string]any{"actor_id": actor.User.ID})
	return nil
}

// UnlockUser lifts a lockout early.
func (s *Service) UnlockUser(ctx context.Context, actor *Identity, userID int64, client models.ClientInfo) error {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.ResetFailedLogins(ctx, userID); err != nil {
		return err
	}
	s.RecordSecurityEvent(ctx, &userID, models.EventAccountUnlocked, "lockout cleared", client,
		map[string]any{"actor_id": actor.User.ID})
	return nil
}

// PermissionsUpdate replaces the fields that are non-nil.
type PermissionsUpdate struct {
	AccessLevel  *string
	Permissions  []string
	Restrictions []string
}

// SetUserPermissions edits the access fields of a user's metadata; other keys are kept.
func (s *Service) SetUserPermissions(ctx context.Context, actor *Identity, userID int64, upd PermissionsUpdate, client models.ClientInfo) (*models.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	before := user.Metadata
	meta := user.Metadata
	if upd.AccessLevel != nil {
		meta.AccessLevel = strings.TrimSpace(*upd.AccessLevel)
	}
	if upd.Permissions != nil {
		meta.Permissions = cleanList(upd.Permissions)
	}
	if upd.Restrictions != nil {
		meta.Restrictions = cleanList(upd.Restrictions)
	}

	if err := s.store.UpdateMetadata(ctx, userID, meta); err != nil {
		return nil, err
	}
	user.Metadata = meta

	s.RecordSecurityEvent(ctx, &userID, models.EventPermissionsUpdated, "permissions updated", client,
		map[string]any{"actor_id": actor.User.ID, "before": before, "after": meta})
	return user, nil
}

// SetTelegram links a chat for reminders; a nil chatID unlinks it.
func (s *Service) SetTelegram(ctx context.Context, userID int64, chatID *int64, remindersEnabled bool) error {
	return s.store.SetTelegram(ctx, userID, chatID, remindersEnabled)
}

func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
