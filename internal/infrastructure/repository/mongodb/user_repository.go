package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/domain/material"
)

// CredentialIssuer mints and revokes user credentials. A minted credential
// does not validate until it is activated.
type CredentialIssuer interface {
	Mint(ctx context.Context, userID, username string, role access.Role) (token, tokenID string, err error)
	Activate(ctx context.Context, userID, tokenID string) error
	Revoke(ctx context.Context, userID string) error
}

// UserRepository stores users. When an issuer is configured it keeps each
// user's credential in step with their role: a new user or a role change gets
// a freshly issued token, which travels to the user in the published change.
// The new token replaces the old one only once the write has committed.
type UserRepository struct {
	*AggregateRepository[*material.User]

	issuer CredentialIssuer
	logger *slog.Logger
}

// NewUserRepository creates a user repository. issuer may be nil, in which
// case stored tokens are left untouched.
func NewUserRepository(
	db *mongo.Database,
	pub ChangePublisher,
	issuer CredentialIssuer,
	opts ...RepoOption,
) *UserRepository {
	base := NewAggregateRepository(db.Collection(CollectionUsers),
		func() *material.User { return &material.User{} }, pub, opts...)

	return &UserRepository{
		AggregateRepository: base,
		issuer:              issuer,
		logger:              base.logger,
	}
}

// Save stores user, rotating the credential when required.
func (r *UserRepository) Save(ctx context.Context, actorID string, user *material.User) error {
	if user == nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidInput, material.ErrMissingID)
	}
	pending, err := r.prepare(ctx, []*material.User{user})
	if err != nil {
		return err
	}
	if err = r.AggregateRepository.Save(ctx, actorID, user); err != nil {
		return err
	}
	return r.activate(ctx, pending, 1)
}

// SaveMany stores users as one bulk write, rotating credentials where required.
// When the write stops partway, the credentials of the committed users are
// still activated.
func (r *UserRepository) SaveMany(ctx context.Context, actorID string, users []*material.User) error {
	pending, err := r.prepare(ctx, users)
	if err != nil {
		return err
	}
	if err = r.AggregateRepository.SaveMany(ctx, actorID, users); err != nil {
		var partial *PartialWriteError
		if errors.As(err, &partial) {
			return errors.Join(err, r.activate(ctx, pending, partial.Committed))
		}
		return err
	}
	return r.activate(ctx, pending, len(users))
}

// Delete removes the user and revokes their credential.
func (r *UserRepository) Delete(ctx context.Context, actorID, id string) (*material.User, error) {
	user, err := r.AggregateRepository.Delete(ctx, actorID, id)
	if err != nil {
		return nil, err
	}

	if r.issuer != nil {
		if revokeErr := r.issuer.Revoke(ctx, id); revokeErr != nil {
			r.logger.WarnContext(ctx, "failed to revoke credential of deleted user",
				slog.String("user_id", id),
				slog.String("error", revokeErr.Error()),
			)
		}
	}
	return user, nil
}

// pendingCredential is a minted token waiting for its user's write to commit.
type pendingCredential struct {
	index   int
	userID  string
	tokenID string
	role    access.Role
	newUser bool
}

// prepare replaces caller-supplied tokens: stored users keep their token
// unless their role changed, everyone else gets a newly minted one.
func (r *UserRepository) prepare(ctx context.Context, users []*material.User) ([]pendingCredential, error) {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u == nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrInvalidInput, material.ErrMissingID)
		}
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("%w: user %q: %w", errs.ErrInvalidInput, u.ID, err)
		}
		ids = append(ids, u.ID)
	}

	stored, err := r.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var pending []pendingCredential
	for i, u := range users {
		prior, exists := stored[u.ID]
		if !exists {
			prior = &material.User{}
		}
		if r.issuer == nil || (exists && prior.Role == u.Role) {
			u.Token = prior.Token
			continue
		}

		token, tokenID, mintErr := r.issuer.Mint(ctx, u.ID, u.Username, u.Role)
		if mintErr != nil {
			return nil, fmt.Errorf("rotate credential of %q: %w", u.ID, mintErr)
		}
		u.Token = token
		pending = append(pending, pendingCredential{
			index:   i,
			userID:  u.ID,
			tokenID: tokenID,
			role:    u.Role,
			newUser: !exists,
		})
	}
	return pending, nil
}

// activate makes the minted tokens of the first committed users current.
func (r *UserRepository) activate(ctx context.Context, pending []pendingCredential, committed int) error {
	var failed []error
	for _, p := range pending {
		if p.index >= committed {
			continue
		}
		if err := r.issuer.Activate(ctx, p.userID, p.tokenID); err != nil {
			r.logger.ErrorContext(ctx, "failed to activate credential",
				slog.String("user_id", p.userID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Errorf("activate credential of %q: %w", p.userID, err))
			continue
		}

		r.logger.InfoContext(ctx, "credential rotated",
			slog.String("user_id", p.userID),
			slog.String("role", string(p.role)),
			slog.Bool("new_user", p.newUser),
		)
	}
	return errors.Join(failed...)
}

// NewMaterialRequestRepository creates the material request repository.
func NewMaterialRequestRepository(
	db *mongo.Database,
	pub ChangePublisher,
	opts ...RepoOption,
) *AggregateRepository[*material.MaterialRequest] {
	return NewAggregateRepository(db.Collection(CollectionMaterialRequests),
		func() *material.MaterialRequest { return &material.MaterialRequest{} }, pub, opts...)
}

// NewItemGroupRepository creates the item group repository.
func NewItemGroupRepository(
	db *mongo.Database,
	pub ChangePublisher,
	opts ...RepoOption,
) *AggregateRepository[*material.ItemGroup] {
	return NewAggregateRepository(db.Collection(CollectionItemGroups),
		func() *material.ItemGroup { return &material.ItemGroup{} }, pub, opts...)
}
