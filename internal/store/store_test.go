package store

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *recordingTx) Commit() error {
	tx.committed = true
	return tx.commitErr
}

func (tx *recordingTx) Rollback() error {
	tx.rolledBack = true
	return nil
}

type recordingStore struct {
	Store
	tx       *recordingTx
	beginErr error
}

func (s *recordingStore) Begin(ctx context.Context) (Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.tx, nil
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := &recordingStore{tx: &recordingTx{}}

	err := WithTx(context.Background(), s, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, s.tx.committed)
	assert.False(t, s.tx.rolledBack)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := &recordingStore{tx: &recordingTx{}}
	boom := errors.New("boom")

	err := WithTx(context.Background(), s, func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.tx.committed)
	assert.True(t, s.tx.rolledBack)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	s := &recordingStore{tx: &recordingTx{}}

	assert.Panics(t, func() {
		_ = WithTx(context.Background(), s, func(Tx) error { panic("kaboom") })
	})
	assert.True(t, s.tx.rolledBack)
}

func TestWithTx_BeginAndCommitErrors(t *testing.T) {
	s := &recordingStore{beginErr: errors.New("db down")}
	err := WithTx(context.Background(), s, func(Tx) error {
		t.Fatal("fn should not run when begin fails")
		return nil
	})
	assert.ErrorContains(t, err, "db down")

	s = &recordingStore{tx: &recordingTx{commitErr: errors.New("disk full")}}
	err = WithTx(context.Background(), s, func(Tx) error { return nil })
	assert.ErrorContains(t, err, "disk full")
}

func TestParseOrderBy(t *testing.T) {
	tests := []struct {
		in      string
		want    OrderBy
		wantErr bool
	}{
		{"", OrderByQueueDate, false},
		{"name", OrderByName, false},
		{"SCHEDULENAME", OrderByScheduleName, false},
		{"FinishDate", OrderByFinishDate, false},
		{"priority", "", true},
	}

	for _, tt := range tests {
		got, err := ParseOrderBy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(errors.Wrap(ErrNotFound, "job 4")))
	assert.False(t, IsNotFound(errors.New("other")))
}
