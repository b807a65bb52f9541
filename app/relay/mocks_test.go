package relay

import (
	"context"
	"sync"
)

// mockTransport records all outbound calls and lets tests override behavior
// per method with function fields.
type mockTransport struct {
	mu sync.Mutex

	sendFunc    func(dest Destination, text string, silent bool) (int64, error)
	forwardFunc func(dest Destination, fromChatID, msgID int64, silent bool) error
	createFunc  func(title string) (int64, error)

	sends        []mockSend
	forwards     []mockForward
	created      []string
	closed       []int64
	edits        []mockEdit
	deletes      []int64
	nextMsgID    int64
	nextThreadID int64
}

type mockSend struct {
	dest   Destination
	text   string
	silent bool
}

type mockForward struct {
	dest       Destination
	fromChatID int64
	msgID      int64
	silent     bool
}

type mockEdit struct {
	dest  Destination
	msgID int64
	text  string
}

func (m *mockTransport) Send(_ context.Context, dest Destination, text string, silent bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(dest, text, silent)
	}
	m.sends = append(m.sends, mockSend{dest: dest, text: text, silent: silent})
	m.nextMsgID++
	return m.nextMsgID, nil
}

func (m *mockTransport) Forward(_ context.Context, dest Destination, fromChatID, msgID int64, silent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwardFunc != nil {
		return m.forwardFunc(dest, fromChatID, msgID, silent)
	}
	m.forwards = append(m.forwards, mockForward{dest: dest, fromChatID: fromChatID, msgID: msgID, silent: silent})
	return nil
}

func (m *mockTransport) CreateThread(_ context.Context, title string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(title)
	}
	m.created = append(m.created, title)
	m.nextThreadID++
	return 1000 + m.nextThreadID, nil
}

func (m *mockTransport) CloseThread(_ context.Context, threadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, threadID)
	return nil
}

func (m *mockTransport) EditMessage(_ context.Context, dest Destination, msgID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, mockEdit{dest: dest, msgID: msgID, text: text})
	return nil
}

func (m *mockTransport) DeleteMessage(_ context.Context, _ Destination, msgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, msgID)
	return nil
}

func (m *mockTransport) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]string, 0, len(m.sends))
	for _, s := range m.sends {
		res = append(res, s.text)
	}
	return res
}

func (m *mockTransport) forwardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forwards)
}

func (m *mockTransport) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}
