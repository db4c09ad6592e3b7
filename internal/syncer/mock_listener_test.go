// GoMock mocks for the interfaces in listener.go, kept in mockgen's output
// layout. Running go generate replaces this file with:
//
//	mockgen -source=listener.go -destination=mock_listener_test.go -package=syncer

package syncer

import (
	context "context"
	reflect "reflect"

	websocket "github.com/coder/websocket"
	gomock "go.uber.org/mock/gomock"
)

// MockwsConn is a mock of wsConn interface.
type MockwsConn struct {
	ctrl     *gomock.Controller
	recorder *MockwsConnMockRecorder
	isgomock struct{}
}

// MockwsConnMockRecorder is the mock recorder for MockwsConn.
type MockwsConnMockRecorder struct {
	mock *MockwsConn
}

// NewMockwsConn creates a new mock instance.
func NewMockwsConn(ctrl *gomock.Controller) *MockwsConn {
	mock := &MockwsConn{ctrl: ctrl}
	mock.recorder = &MockwsConnMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockwsConn) EXPECT() *MockwsConnMockRecorder {
	return m.recorder
}

// Close mocks base method.
func (m *MockwsConn) Close(code websocket.StatusCode, reason string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Close", code, reason)
	ret0, _ := ret[0].(error)
	return ret0
}

// Close indicates an expected call of Close.
func (mr *MockwsConnMockRecorder) Close(code, reason any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockwsConn)(nil).Close), code, reason)
}

// CloseNow mocks base method.
func (m *MockwsConn) CloseNow() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CloseNow")
	ret0, _ := ret[0].(error)
	return ret0
}

// CloseNow indicates an expected call of CloseNow.
func (mr *MockwsConnMockRecorder) CloseNow() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CloseNow", reflect.TypeOf((*MockwsConn)(nil).CloseNow))
}

// Read mocks base method.
func (m *MockwsConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Read", ctx)
	ret0, _ := ret[0].(websocket.MessageType)
	ret1, _ := ret[1].([]byte)
	ret2, _ := ret[2].(error)
	return ret0, ret1, ret2
}

// Read indicates an expected call of Read.
func (mr *MockwsConnMockRecorder) Read(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockwsConn)(nil).Read), ctx)
}

// SetReadLimit mocks base method.
func (m *MockwsConn) SetReadLimit(n int64) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "SetReadLimit", n)
}

// SetReadLimit indicates an expected call of SetReadLimit.
func (mr *MockwsConnMockRecorder) SetReadLimit(n any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetReadLimit", reflect.TypeOf((*MockwsConn)(nil).SetReadLimit), n)
}

// Mockdispatcher is a mock of dispatcher interface.
type Mockdispatcher struct {
	ctrl     *gomock.Controller
	recorder *MockdispatcherMockRecorder
	isgomock struct{}
}

// MockdispatcherMockRecorder is the mock recorder for Mockdispatcher.
type MockdispatcherMockRecorder struct {
	mock *Mockdispatcher
}

// NewMockdispatcher creates a new mock instance.
func NewMockdispatcher(ctrl *gomock.Controller) *Mockdispatcher {
	mock := &Mockdispatcher{ctrl: ctrl}
	mock.recorder = &MockdispatcherMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *Mockdispatcher) EXPECT() *MockdispatcherMockRecorder {
	return m.recorder
}

// DownloadFile mocks base method.
func (m *Mockdispatcher) DownloadFile(ctx context.Context, key string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "DownloadFile", ctx, key)
	ret0, _ := ret[0].(error)
	return ret0
}

// DownloadFile indicates an expected call of DownloadFile.
func (mr *MockdispatcherMockRecorder) DownloadFile(ctx, key any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DownloadFile", reflect.TypeOf((*Mockdispatcher)(nil).DownloadFile), ctx, key)
}

// RemoveLocalFile mocks base method.
func (m *Mockdispatcher) RemoveLocalFile(ctx context.Context, key string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RemoveLocalFile", ctx, key)
	ret0, _ := ret[0].(error)
	return ret0
}

// RemoveLocalFile indicates an expected call of RemoveLocalFile.
func (mr *MockdispatcherMockRecorder) RemoveLocalFile(ctx, key any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RemoveLocalFile", reflect.TypeOf((*Mockdispatcher)(nil).RemoveLocalFile), ctx, key)
}

// MockreconcileRunner is a mock of reconcileRunner interface.
type MockreconcileRunner struct {
	ctrl     *gomock.Controller
	recorder *MockreconcileRunnerMockRecorder
	isgomock struct{}
}

// MockreconcileRunnerMockRecorder is the mock recorder for MockreconcileRunner.
type MockreconcileRunnerMockRecorder struct {
	mock *MockreconcileRunner
}

// NewMockreconcileRunner creates a new mock instance.
func NewMockreconcileRunner(ctrl *gomock.Controller) *MockreconcileRunner {
	mock := &MockreconcileRunner{ctrl: ctrl}
	mock.recorder = &MockreconcileRunnerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockreconcileRunner) EXPECT() *MockreconcileRunnerMockRecorder {
	return m.recorder
}

// Run mocks base method.
func (m *MockreconcileRunner) Run(ctx context.Context) (Result, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Run", ctx)
	ret0, _ := ret[0].(Result)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Run indicates an expected call of Run.
func (mr *MockreconcileRunnerMockRecorder) Run(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Run", reflect.TypeOf((*MockreconcileRunner)(nil).Run), ctx)
}

// Mockdetector is a mock of detector interface.
type Mockdetector struct {
	ctrl     *gomock.Controller
	recorder *MockdetectorMockRecorder
	isgomock struct{}
}

// MockdetectorMockRecorder is the mock recorder for Mockdetector.
type MockdetectorMockRecorder struct {
	mock *Mockdetector
}

// NewMockdetector creates a new mock instance.
func NewMockdetector(ctrl *gomock.Controller) *Mockdetector {
	mock := &Mockdetector{ctrl: ctrl}
	mock.recorder = &MockdetectorMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *Mockdetector) EXPECT() *MockdetectorMockRecorder {
	return m.recorder
}

// Resume mocks base method.
func (m *Mockdetector) Resume(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Resume", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

// Resume indicates an expected call of Resume.
func (mr *MockdetectorMockRecorder) Resume(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Resume", reflect.TypeOf((*Mockdetector)(nil).Resume), ctx)
}

// Suspend mocks base method.
func (m *Mockdetector) Suspend(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Suspend", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

// Suspend indicates an expected call of Suspend.
func (mr *MockdetectorMockRecorder) Suspend(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Suspend", reflect.TypeOf((*Mockdetector)(nil).Suspend), ctx)
}
