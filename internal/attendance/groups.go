package attendance

import (
	"context"

	"github.com/rotisserie/eris"
)

// MembershipStore lists a subject's group memberships.
type MembershipStore interface {
	ListSubjectGroups(ctx context.Context, tenantID, subjectID string) ([]string, error)
}

// StoreGroupResolver resolves groups from the group_memberships table.
type StoreGroupResolver struct {
	store MembershipStore
}

// NewStoreGroupResolver creates a resolver backed by the store.
func NewStoreGroupResolver(store MembershipStore) *StoreGroupResolver {
	return &StoreGroupResolver{store: store}
}

// GroupsFor implements GroupResolver.
func (r *StoreGroupResolver) GroupsFor(ctx context.Context, tenantID, subjectID string) ([]string, error) {
	groups, err := r.store.ListSubjectGroups(ctx, tenantID, subjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "attendance: groups for %s", subjectID)
	}
	return groups, nil
}
