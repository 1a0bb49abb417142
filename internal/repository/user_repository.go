package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/store"
	"github.com/iliyamo/session-gateway/internal/utils"
)

// UserRepo owns the `users:<username>` hashes.  User writes are rare
// (register, login, role change) and must be visible fleet-wide before the
// next request lands on another replica, so they go straight through the
// store instead of the batcher.
type UserRepo struct {
	store      *store.Store
	bus        *pubsub.Bus
	log        *zap.Logger
	cost       int
	isBootstrapAdmin func(string) bool
}

func NewUserRepo(s *store.Store, bus *pubsub.Bus, log *zap.Logger, bcryptCost int, isBootstrapAdmin func(string) bool) *UserRepo {
	return &UserRepo{
		store:      s,
		bus:        bus,
		log:        log.Named("users"),
		cost:       bcryptCost,
		isBootstrapAdmin: isBootstrapAdmin,
	}
}

// Register creates a user record.  Fails with ErrConflict when the
// username is taken.  Role defaults to user unless the username is in the
// bootstrap admin allow-list.
func (r *UserRepo) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	existing, err := r.store.HGetAll(ctx, store.UserKey(username))
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrConflict
	}
	verifier, err := utils.HashPassword(password, r.cost)
	if err != nil {
		return nil, err
	}
	role := model.RoleUser
	if r.isBootstrapAdmin(username) {
		role = model.RoleAdmin
	}
	now := time.Now().UTC()
	u := &model.User{
		Username:  username,
		Email:     email,
		Verifier:  verifier,
		Role:      role,
		CreatedAt: now,
		LastLogin: now,
	}
	if err := r.store.HSet(ctx, store.UserKey(username), userFields(u)); err != nil {
		return nil, err
	}
	r.log.Info("registered user", zap.String("username", username), zap.String("role", role))
	return u, nil
}

// Get fetches a user by username.
func (r *UserRepo) Get(ctx context.Context, username string) (*model.User, error) {
	fields, err := r.store.HGetAll(ctx, store.UserKey(username))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseUser(username, fields), nil
}

// VerifyCredentials checks the password against the stored verifier.
// Unknown usernames and bad passwords are indistinguishable to the caller.
func (r *UserRepo) VerifyCredentials(ctx context.Context, username, password string) (*model.User, error) {
	u, err := r.Get(ctx, username)
	if err == ErrNotFound {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !utils.VerifyPassword(u.Verifier, password) {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// BumpLastLogin records a successful login.
func (r *UserRepo) BumpLastLogin(ctx context.Context, username string) error {
	return r.store.HSet(ctx, store.UserKey(username), map[string]string{
		"last_login": strconv.FormatInt(time.Now().UTC().Unix(), 10),
	})
}

// SetRole changes a user's role and notifies every live socket of the user
// on all replicas.
func (r *UserRepo) SetRole(ctx context.Context, username, role string) (*model.User, error) {
	u, err := r.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	u.Role = role
	if err := r.store.HSet(ctx, store.UserKey(username), map[string]string{"role": role}); err != nil {
		return nil, err
	}
	err = r.bus.Publish(ctx, pubsub.UserTopic(username), map[string]any{
		"type":     model.EventRoleChanged,
		"username": username,
		"role":     role,
	})
	if err != nil {
		r.log.Warn("role_changed publish failed", zap.String("username", username), zap.Error(err))
	}
	return u, nil
}

// Delete removes the user record and broadcasts account deletion on the
// user topic so live sockets drain.  Session cleanup is the caller's job.
func (r *UserRepo) Delete(ctx context.Context, username string) error {
	_, err := r.Get(ctx, username)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, store.UserKey(username)); err != nil {
		return err
	}
	err = r.bus.Publish(ctx, pubsub.UserTopic(username), map[string]any{
		"type":     model.EventAccountDeleted,
		"username": username,
	})
	if err != nil {
		r.log.Warn("account_deleted publish failed", zap.String("username", username), zap.Error(err))
	}
	r.log.Info("deleted user", zap.String("username", username))
	return nil
}

// All lists every user record.  Admin surface only.
func (r *UserRepo) All(ctx context.Context) ([]*model.User, error) {
	keys, err := r.store.Scan(ctx, "users:*")
	if err != nil {
		return nil, err
	}
	users := make([]*model.User, 0, len(keys))
	for _, key := range keys {
		username := strings.TrimPrefix(key, "users:")
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		users = append(users, parseUser(username, fields))
	}
	return users, nil
}

func userFields(u *model.User) map[string]string {
	return map[string]string{
		"email":      u.Email,
		"verifier":   u.Verifier,
		"role":       u.Role,
		"created_at": strconv.FormatInt(u.CreatedAt.Unix(), 10),
		"last_login": strconv.FormatInt(u.LastLogin.Unix(), 10),
	}
}

func parseUser(username string, fields map[string]string) *model.User {
	role := fields["role"]
	if role == "" {
		role = model.RoleUser
	}
	return &model.User{
		Username:  username,
		Email:     fields["email"],
		Verifier:  fields["verifier"],
		Role:      role,
		CreatedAt: parseUnix(fields["created_at"]),
		LastLogin: parseUnix(fields["last_login"]),
	}
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
