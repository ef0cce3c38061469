package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

type mockLogger struct {
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

// MockSequenceStore is a mock implementation of ports.SequenceStore
type MockSequenceStore struct {
	mock.Mock
}

func (m *MockSequenceStore) LastSequenceID(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSequenceStore) SaveSequenceID(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, &mockLogger{})
	assert.Error(t, err)
	_, err = New(&MockSequenceStore{}, nil)
	assert.Error(t, err)
}

func TestNext_ContinuesFromPersistedID(t *testing.T) {
	ctx := context.Background()
	store := &MockSequenceStore{}
	store.On("LastSequenceID", ctx).Return(int64(41), nil).Once()
	store.On("SaveSequenceID", ctx, int64(42)).Return(nil).Once()
	store.On("LastSequenceID", ctx).Return(int64(42), nil).Once()
	store.On("SaveSequenceID", ctx, int64(43)).Return(nil).Once()

	seq, err := New(store, &mockLogger{})
	require.NoError(t, err)

	id, err := seq.Next(ctx, domain.KindTrade)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = seq.Next(ctx, domain.KindCorporateAction)
	require.NoError(t, err)
	assert.Equal(t, int64(43), id)

	store.AssertExpectations(t)
}

func TestNext_DetectsForeignWriter(t *testing.T) {
	ctx := context.Background()
	store := &MockSequenceStore{}
	log := &mockLogger{}
	store.On("LastSequenceID", ctx).Return(int64(0), nil).Once()
	store.On("SaveSequenceID", ctx, int64(1)).Return(nil).Once()
	store.On("LastSequenceID", ctx).Return(int64(5), nil).Once()

	seq, err := New(store, log)
	require.NoError(t, err)
	_, err = seq.Next(ctx, domain.KindTrade)
	require.NoError(t, err)

	_, err = seq.Next(ctx, domain.KindTrade)
	require.Error(t, err)
	var integrity *ports.DataIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.True(t, integrity.Fatal())
	assert.Contains(t, log.errorMsgs, "Sequencer monotonicity violated")
	store.AssertNotCalled(t, "SaveSequenceID", ctx, int64(6))
}

func TestNext_StoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &MockSequenceStore{}
	store.On("LastSequenceID", ctx).Return(int64(0), nil)
	store.On("SaveSequenceID", ctx, int64(1)).Return(ports.ErrUpdateFailed)

	seq, err := New(store, &mockLogger{})
	require.NoError(t, err)
	_, err = seq.Next(ctx, domain.KindDividend)
	assert.True(t, errors.Is(err, ports.ErrUpdateFailed))

	// A failed save does not burn the id.
	_, err = seq.Next(ctx, domain.KindDividend)
	assert.True(t, errors.Is(err, ports.ErrUpdateFailed))
	store.AssertNumberOfCalls(t, "SaveSequenceID", 2)
}

func TestCheckMonotonic(t *testing.T) {
	op := func(seq int64) *domain.Operation {
		return &domain.Operation{SequenceID: seq, Timestamp: 100}
	}
	tests := []struct {
		name    string
		ops     []*domain.Operation
		wantErr bool
	}{
		{"empty", nil, false},
		{"unique", []*domain.Operation{op(3), op(1), op(2)}, false},
		{"duplicate", []*domain.Operation{op(1), op(2), op(1)}, true},
		{"missing id", []*domain.Operation{op(1), op(0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckMonotonic(tt.ops)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ports.ErrDuplicateSequence))
			assert.True(t, errors.Is(err, ports.ErrDataIntegrity))
		})
	}
}
