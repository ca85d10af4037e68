package session

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context, id string) (State, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(State), args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, id string, p Patch) error {
	args := m.Called(ctx, id, p)
	return args.Error(0)
}

func (m *MockStore) Reset(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
