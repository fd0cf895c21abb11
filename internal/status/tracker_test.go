package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

func TestStatusDefaultsToSynced(t *testing.T) {
	tr := NewTracker(nil)

	_, ok := tr.Get(types.Permanent(1))
	assert.False(t, ok)
	assert.Equal(t, types.StatusSynced, tr.Status(types.Permanent(1)))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.SyncStatus
		want     bool
	}{
		{none, types.StatusPending, true},
		{types.StatusPending, types.StatusSyncing, true},
		{types.StatusSyncing, types.StatusSynced, true},
		{types.StatusSyncing, types.StatusError, true},
		{types.StatusError, types.StatusSyncing, true},
		{types.StatusError, types.StatusError, true},
		{types.StatusSynced, types.StatusPending, true},
		{types.StatusError, types.StatusSynced, false},
		{types.StatusPending, types.StatusError, false},
		{types.StatusError, types.StatusPending, false},
		{none, types.StatusError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	var changes []string
	tr := NewTracker(func(id types.EntityID, from, to types.SyncStatus) {
		changes = append(changes, string(from)+">"+string(to))
	})
	id := types.Permanent(7)

	require.NoError(t, tr.Transition(id, types.StatusPending))
	require.NoError(t, tr.Transition(id, types.StatusSyncing))
	require.NoError(t, tr.Transition(id, types.StatusError))
	require.NoError(t, tr.Transition(id, types.StatusSyncing))
	require.NoError(t, tr.Transition(id, types.StatusSynced))

	assert.Equal(t, []string{">pending", "pending>syncing", "syncing>error", "error>syncing", "syncing>synced"}, changes)
}

func TestTransitionRejectsInvalid(t *testing.T) {
	tr := NewTracker(nil)
	id := types.Permanent(7)
	require.NoError(t, tr.Transition(id, types.StatusPending))

	err := tr.Transition(id, types.StatusError)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, types.StatusPending, tr.Status(id))
}

func TestMigrate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Tracker, types.EntityID)
		want  types.SyncStatus
	}{
		{
			name:  "pending becomes syncing",
			setup: func(tr *Tracker, id types.EntityID) { tr.Transition(id, types.StatusPending) },
			want:  types.StatusSyncing,
		},
		{
			name:  "absent initializes syncing",
			setup: func(*Tracker, types.EntityID) {},
			want:  types.StatusSyncing,
		},
		{
			name: "error is carried over",
			setup: func(tr *Tracker, id types.EntityID) {
				tr.Transition(id, types.StatusSyncing)
				tr.Transition(id, types.StatusError)
			},
			want: types.StatusError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			temp, perm := types.Temporary(-1), types.Permanent(42)
			tt.setup(tr, temp)

			got := tr.Migrate(temp, perm)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, tr.Status(perm))
			_, ok := tr.Get(temp)
			assert.False(t, ok)
		})
	}
}

func TestCountsAndReset(t *testing.T) {
	tr := NewTracker(nil)
	tr.Transition(types.Permanent(1), types.StatusPending)
	tr.Transition(types.Permanent(2), types.StatusPending)
	tr.Transition(types.Permanent(3), types.StatusSyncing)

	counts := tr.Counts()
	assert.Equal(t, 2, counts[types.StatusPending])
	assert.Equal(t, 1, counts[types.StatusSyncing])

	tr.Delete(types.Permanent(3))
	assert.Equal(t, 0, tr.Counts()[types.StatusSyncing])

	tr.Reset()
	assert.Empty(t, tr.Counts())
}
