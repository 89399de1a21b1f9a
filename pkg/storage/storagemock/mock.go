package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/storage"
	"github.com/energycast/energycast/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetScalers(ctx context.Context, dataset string) (scaler.Pair, error) {
	args := m.Called(ctx, dataset)
	return args.Get(0).(scaler.Pair), args.Error(1)
}

func (m *MockDatabase) SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error {
	args := m.Called(ctx, dataset, pair)
	return args.Error(0)
}

func (m *MockDatabase) GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error) {
	args := m.Called(ctx, dataset)
	if t := args.Get(0); t != nil {
		return t.(*history.Table), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error {
	args := m.Called(ctx, dataset, table)
	return args.Error(0)
}

func (m *MockDatabase) UpsertSamples(ctx context.Context, dataset string, samples types.Series) error {
	args := m.Called(ctx, dataset, samples)
	return args.Error(0)
}

func (m *MockDatabase) GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error) {
	args := m.Called(ctx, dataset, start, end)
	if s := args.Get(0); s != nil {
		return s.(types.Series), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error) {
	args := m.Called(ctx, dataset, n)
	if s := args.Get(0); s != nil {
		return s.(types.Series), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetResults(ctx context.Context, dataset string) (types.Results, error) {
	args := m.Called(ctx, dataset)
	return args.Get(0).(types.Results), args.Error(1)
}

func (m *MockDatabase) SetResults(ctx context.Context, dataset string, results types.Results) error {
	args := m.Called(ctx, dataset, results)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
