// Package mocks provides testify mocks of the transport interfaces.
package mocks

import (
	"github.com/fmq-go/fmq/pkg/transport"
	mock "github.com/stretchr/testify/mock"
)

// MockPollable is a mock of transport.Pollable.
type MockPollable struct {
	mock.Mock
}

// MockPollable_Expecter records typed expectations.
type MockPollable_Expecter struct {
	mock *mock.Mock
}

// EXPECT returns the typed expectation builder.
func (_m *MockPollable) EXPECT() *MockPollable_Expecter {
	return &MockPollable_Expecter{mock: &_m.Mock}
}

// Kind provides a mock function.
func (_m *MockPollable) Kind() transport.Kind {
	ret := _m.Called()
	if len(ret) == 0 {
		panic("no return value specified for Kind")
	}
	if rf, ok := ret.Get(0).(func() transport.Kind); ok {
		return rf()
	}
	return ret.Get(0).(transport.Kind)
}

type MockPollable_Kind_Call struct {
	*mock.Call
}

func (_e *MockPollable_Expecter) Kind() *MockPollable_Kind_Call {
	return &MockPollable_Kind_Call{Call: _e.mock.On("Kind")}
}

func (_c *MockPollable_Kind_Call) Return(_a0 transport.Kind) *MockPollable_Kind_Call {
	_c.Call.Return(_a0)
	return _c
}

// Type provides a mock function.
func (_m *MockPollable) Type() transport.SocketType {
	ret := _m.Called()
	if len(ret) == 0 {
		panic("no return value specified for Type")
	}
	if rf, ok := ret.Get(0).(func() transport.SocketType); ok {
		return rf()
	}
	return ret.Get(0).(transport.SocketType)
}

type MockPollable_Type_Call struct {
	*mock.Call
}

func (_e *MockPollable_Expecter) Type() *MockPollable_Type_Call {
	return &MockPollable_Type_Call{Call: _e.mock.On("Type")}
}

func (_c *MockPollable_Type_Call) Return(_a0 transport.SocketType) *MockPollable_Type_Call {
	_c.Call.Return(_a0)
	return _c
}

// Readiness provides a mock function.
func (_m *MockPollable) Readiness() transport.Readiness {
	ret := _m.Called()
	if len(ret) == 0 {
		panic("no return value specified for Readiness")
	}
	if rf, ok := ret.Get(0).(func() transport.Readiness); ok {
		return rf()
	}
	return ret.Get(0).(transport.Readiness)
}

type MockPollable_Readiness_Call struct {
	*mock.Call
}

func (_e *MockPollable_Expecter) Readiness() *MockPollable_Readiness_Call {
	return &MockPollable_Readiness_Call{Call: _e.mock.On("Readiness")}
}

func (_c *MockPollable_Readiness_Call) Return(_a0 transport.Readiness) *MockPollable_Readiness_Call {
	_c.Call.Return(_a0)
	return _c
}

func (_c *MockPollable_Readiness_Call) RunAndReturn(run func() transport.Readiness) *MockPollable_Readiness_Call {
	_c.Call.Return(run)
	return _c
}

// Notify provides a mock function.
func (_m *MockPollable) Notify(ch chan<- struct{}) {
	_m.Called(ch)
}

type MockPollable_Notify_Call struct {
	*mock.Call
}

func (_e *MockPollable_Expecter) Notify(ch interface{}) *MockPollable_Notify_Call {
	return &MockPollable_Notify_Call{Call: _e.mock.On("Notify", ch)}
}

func (_c *MockPollable_Notify_Call) Run(run func(ch chan<- struct{})) *MockPollable_Notify_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(chan<- struct{}))
	})
	return _c
}

func (_c *MockPollable_Notify_Call) Return() *MockPollable_Notify_Call {
	_c.Call.Return()
	return _c
}

// StopNotify provides a mock function.
func (_m *MockPollable) StopNotify(ch chan<- struct{}) {
	_m.Called(ch)
}

type MockPollable_StopNotify_Call struct {
	*mock.Call
}

func (_e *MockPollable_Expecter) StopNotify(ch interface{}) *MockPollable_StopNotify_Call {
	return &MockPollable_StopNotify_Call{Call: _e.mock.On("StopNotify", ch)}
}

func (_c *MockPollable_StopNotify_Call) Return() *MockPollable_StopNotify_Call {
	_c.Call.Return()
	return _c
}

// NewMockPollable creates a mock and asserts its expectations at cleanup.
func NewMockPollable(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPollable {
	m := &MockPollable{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ transport.Pollable = (*MockPollable)(nil)
