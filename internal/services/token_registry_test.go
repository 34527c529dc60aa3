// internal/services/token_registry_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/models"
)

func TestOwnershipCheckReportsEveryFailingID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 4)
	f.sendToDistributor(t, "103")

	minted := []models.TokenStatus{models.TokenStatusMinted}
	owner := f.manufacturer.actor.EntityID()

	ok, err := f.registry.OwnershipCheck(ctx, []string{"101", "102", "101"}, owner, minted)
	require.NoError(t, err)
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.MissingIDs)
	assert.Len(t, ok.Tokens, 2)

	// 103 moved on, 999 never existed, 104 is fine.
	res, err := f.registry.OwnershipCheck(ctx, []string{"104", "103", "999"}, owner, minted)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"103", "999"}, res.MissingIDs)

	// Right status, wrong owner.
	res, err = f.registry.OwnershipCheck(ctx, []string{"101"}, f.distributor.actor.EntityID(), minted)
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, res.MissingIDs)
}

func TestBulkTransitionCountsOnlyMatchingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)

	transition := Transition{
		TokenIDs:     []string{"101", "102"},
		FromOwner:    f.manufacturer.actor.EntityID(),
		FromStatuses: []models.TokenStatus{models.TokenStatusMinted},
		ToStatus:     models.TokenStatusTransferred,
		ToOwner:      f.distributor.actor.EntityID(),
		TxHash:       randomTxHash(),
	}

	moved, err := f.registry.BulkTransition(ctx, transition)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "101", "102")
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "103")
	assert.Equal(t, transition.TxHash, f.token(t, "101").TxHash)

	// A second writer holding the same stale read changes nothing.
	moved, err = f.registry.BulkTransition(ctx, transition)
	require.NoError(t, err)
	assert.Zero(t, moved)

	transition.TokenIDs = []string{"102", "103"}
	moved, err = f.registry.BulkTransition(ctx, transition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
}

func TestFindByIDsKeepsRequestOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)

	tokens, err := f.registry.FindByIDs(ctx, []string{"103", "101", "102"}, TokenFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"103", "101", "102"}, tokenIDsOf(tokens))

	empty, err := f.registry.FindByIDs(ctx, nil, TokenFilter{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCountByStatusIncludesEveryStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)
	f.sendToDistributor(t, "101")

	all, err := f.registry.CountByStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), all[models.TokenStatusMinted])
	assert.Equal(t, int64(1), all[models.TokenStatusTransferred])
	assert.Equal(t, int64(0), all[models.TokenStatusSold])
	assert.Len(t, all, len(models.AllTokenStatuses))

	owner := f.distributor.actor.EntityID()
	mine, err := f.registry.CountByStatus(ctx, &owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mine[models.TokenStatusMinted])
	assert.Equal(t, int64(1), mine[models.TokenStatusTransferred])
}
