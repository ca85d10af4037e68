package backend

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of Client using testify/mock.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Chat(ctx context.Context, message string) (string, error) {
	args := m.Called(ctx, message)
	return args.String(0), args.Error(1)
}

func (m *MockClient) SummarizeAudio(ctx context.Context, audio Audio) (string, error) {
	args := m.Called(ctx, audio)
	return args.String(0), args.Error(1)
}
