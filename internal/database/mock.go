package database

import (
	"github.com/npezzotti/go-drawboard/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockDrawboardRepository struct {
	mock.Mock
}

func (m *MockDrawboardRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDrawboardRepository) SaveDrawing(roomId string, strokes []types.Stroke) error {
	args := m.Called(roomId, strokes)
	return args.Error(0)
}

func (m *MockDrawboardRepository) GetLatestDrawing(roomId string) (Drawing, error) {
	args := m.Called(roomId)
	return args.Get(0).(Drawing), args.Error(1)
}

func (m *MockDrawboardRepository) DeleteDrawing(roomId string) error {
	args := m.Called(roomId)
	return args.Error(0)
}

func (m *MockDrawboardRepository) GetDrawingHistory(roomId string, limit int) ([]DrawingVersion, error) {
	args := m.Called(roomId, limit)
	if versions, ok := args.Get(0).([]DrawingVersion); ok {
		return versions, args.Error(1)
	}
	return nil, args.Error(1)
}
