package bufferpool

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

type MockDiskManager struct {
	mock.Mock
}

func (m *MockDiskManager) ReadPage(ident common.PageIdentity) (*page.SlottedPage, error) {
	args := m.Called(ident)
	p, _ := args.Get(0).(*page.SlottedPage)
	return p, args.Error(1)
}

func (m *MockDiskManager) WritePage(ident common.PageIdentity, data []byte) error {
	args := m.Called(ident, data)
	return args.Error(0)
}

// recordingLog remembers every flush request.
type recordingLog struct {
	mu      sync.Mutex
	flushes []common.LSN
	events  *[]string
}

func (l *recordingLog) Flush(upto common.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushes = append(l.flushes, upto)
	if l.events != nil {
		*l.events = append(*l.events, "flush "+upto.String())
	}
	return nil
}
