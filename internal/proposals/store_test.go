package proposals

import (
	"testing"

	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsProposalID(t *testing.T) {
	store := NewStore(database.NewTestDatabase(t))

	p, err := store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)
	assert.NotZero(t, p.ProposalID)
	assert.Equal(t, types.StatusPending, p.Status)

	got, err := store.Get(p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, p.ProposalID, got.ProposalID)
	assert.Equal(t, "BTC-USD", got.Symbol)
}

func TestGetUnknownProposal(t *testing.T) {
	store := NewStore(database.NewTestDatabase(t))
	_, err := store.Get(999)
	require.Error(t, err)
}

func TestTransitionEnforcesTable(t *testing.T) {
	store := NewStore(database.NewTestDatabase(t))
	p, err := store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	err = store.Transition(p, types.StatusFinalized, "")
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, store.Transition(p, types.StatusApproved, ""))
	require.NoError(t, store.Transition(p, types.StatusReady, ""))
	require.NoError(t, store.Transition(p, types.StatusFinalized, ""))

	got, err := store.Get(p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinalized, got.Status)
	assert.NotNil(t, got.DecisionStamp, "terminal transitions stamp the decision time")
}

func TestTransitionStaleLoser(t *testing.T) {
	gormDB := database.NewTestDatabase(t)
	store := NewStore(gormDB)
	p, err := store.Create("BTC-USD", types.SideBuy, 100, 1)
	require.NoError(t, err)

	// Two handlers read the same pending proposal; only the first write wins.
	stale, err := store.Get(p.ProposalID)
	require.NoError(t, err)

	require.NoError(t, store.Transition(p, types.StatusDenied, "risk said no"))
	err = store.Transition(stale, types.StatusApproved, "")
	require.ErrorIs(t, err, ErrStaleProposal)

	got, err := store.Get(p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, got.Status, "the losing write must not regress the status")
	assert.Equal(t, "risk said no", got.DecisionNotes)
}
