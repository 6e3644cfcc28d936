// Package testutil provides mocks and fixtures shared by the bridge tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/rpc"
)

// MockProvider is a mock implementation of rpc.Provider for testing.
type MockProvider struct {
	mock.Mock
}

var _ rpc.Provider = (*MockProvider)(nil)

// Frame mocks the Frame method.
func (m *MockProvider) Frame() handle.FrameID {
	args := m.Called()
	return args.Get(0).(handle.FrameID)
}

// GetGlobal mocks the GetGlobal method.
func (m *MockProvider) GetGlobal(ctx context.Context) (handle.Handle, error) {
	args := m.Called(ctx)
	return args.Get(0).(handle.Handle), args.Error(1)
}

// Get mocks the Get method.
func (m *MockProvider) Get(ctx context.Context, h handle.Handle, key rpc.Key) (any, error) {
	args := m.Called(ctx, h, key)
	return args.Get(0), args.Error(1)
}

// Set mocks the Set method.
func (m *MockProvider) Set(ctx context.Context, h handle.Handle, key rpc.Key, value any) error {
	args := m.Called(ctx, h, key, value)
	return args.Error(0)
}

// Invoke mocks the Invoke method.
func (m *MockProvider) Invoke(ctx context.Context, h handle.Handle, this any, callArgs ...any) (any, error) {
	args := m.Called(ctx, h, this, callArgs)
	return args.Get(0), args.Error(1)
}

// InvokeMember mocks the InvokeMember method.
func (m *MockProvider) InvokeMember(ctx context.Context, h handle.Handle, name string, callArgs ...any) (any, error) {
	args := m.Called(ctx, h, name, callArgs)
	return args.Get(0), args.Error(1)
}

// Release mocks the Release method.
func (m *MockProvider) Release(h handle.Handle) {
	m.Called(h)
}

// NewMockProvider creates a mock provider for frame that accepts any
// number of releases.
func NewMockProvider(t *testing.T, frame handle.FrameID) *MockProvider {
	t.Helper()
	m := new(MockProvider)

	m.On("Frame").Return(frame).Maybe()
	m.On("Release", mock.Anything).Return().Maybe()

	return m
}

// MockLink is a mock implementation of ipc.Link that records what was
// sent.
type MockLink struct {
	mock.Mock

	mu   sync.Mutex
	sent []*ipc.Message
}

var _ ipc.Link = (*MockLink)(nil)

// ID mocks the ID method.
func (m *MockLink) ID() string {
	args := m.Called()
	return args.String(0)
}

// Send mocks the Send method.
func (m *MockLink) Send(ctx context.Context, msg *ipc.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockLink) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Sent returns the messages passed to Send so far.
func (m *MockLink) Sent() []*ipc.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*ipc.Message(nil), m.sent...)
}

// NewMockLink creates a mock link whose sends succeed.
func NewMockLink(t *testing.T, id string) *MockLink {
	t.Helper()
	m := new(MockLink)

	m.On("ID").Return(id).Maybe()
	m.On("Send", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()

	return m
}

// HostRef returns a host handle for tests that never resolve it.
func HostRef(frame handle.FrameID, kind handle.Kind, index uint32) handle.Handle {
	return handle.NewHostRef(frame, kind, handle.Token{Index: index, Generation: 1})
}
