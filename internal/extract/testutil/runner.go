package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"metrofleet/internal/extract"
)

// MockRunner is a testify mock of extract.Runner
type MockRunner struct {
	mock.Mock

	mu       sync.Mutex
	commands []extract.Command
	// OnRun, when set, runs before the mocked result is returned; tests use
	// it to create the files a real tool would produce.
	OnRun func(extract.Command)
}

func (m *MockRunner) Run(ctx context.Context, cmd extract.Command) (extract.Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	hook := m.OnRun
	m.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	args := m.Called(ctx, cmd)
	return args.Get(0).(extract.Result), args.Error(1)
}

// Commands returns every command passed to Run
func (m *MockRunner) Commands() []extract.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]extract.Command(nil), m.commands...)
}

// Succeed programs every call to exit 0 with stdout
func (m *MockRunner) Succeed(stdout string) *MockRunner {
	m.On("Run", mock.Anything, mock.Anything).Return(extract.Result{Stdout: stdout}, nil)
	return m
}

// Exit programs every call to exit with code and stderr
func (m *MockRunner) Exit(code int, stderr string) *MockRunner {
	m.On("Run", mock.Anything, mock.Anything).Return(extract.Result{ExitCode: code, Stderr: stderr}, nil)
	return m
}
