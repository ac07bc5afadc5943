package server

import (
	"context"
	"time"

	"github.com/reservewatch/reservewatch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) AppendReading(ctx context.Context, r types.Reading) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *mockStorage) QueryReadings(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Reading), args.Error(1)
}

func (m *mockStorage) Rollup(ctx context.Context, start, end time.Time, bucket time.Duration) ([]types.RollupBucket, error) {
	args := m.Called(ctx, start, end, bucket)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.RollupBucket), args.Error(1)
}

func (m *mockStorage) EnforceRetention(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockStorage) AppendAudit(ctx context.Context, e types.AuditEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *mockStorage) QueryAudit(ctx context.Context, start, end time.Time, limit int) ([]types.AuditEntry, error) {
	args := m.Called(ctx, start, end, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.AuditEntry), args.Error(1)
}

func (m *mockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}
