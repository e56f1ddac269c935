package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/trial-scout/internal/llm"
	"github.com/nugget/trial-scout/internal/notify"
	"github.com/nugget/trial-scout/internal/task"
	"github.com/nugget/trial-scout/internal/tools"
)

// scriptedLLM plays back one canned response per round and records the
// message lists it was called with.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     [][]llm.Message
	partials  []string // snapshots to emit via the callback per call
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, messages []llm.Message, tl []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, tl, nil)
}

func (s *scriptedLLM) ChatStream(_ context.Context, _ string, messages []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("no scripted response left")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]

	if cb != nil {
		for _, p := range s.partials {
			cb(llm.StreamEvent{Kind: llm.KindSnapshot, Partial: p})
		}
	}
	return resp, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

// memConversations is an in-memory ConversationStore.
type memConversations struct {
	mu       sync.Mutex
	messages []storedMessage
	nextID   int
}

type storedMessage struct {
	id         string
	role       string
	content    string
	toolCalls  []llm.ToolCall
	toolCallID string
}

func (m *memConversations) History(string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.Message
	for _, sm := range m.messages {
		out = append(out, llm.Message{Role: sm.role, Content: sm.content, ToolCalls: sm.toolCalls, ToolCallID: sm.toolCallID})
	}
	return out, nil
}

func (m *memConversations) AddAssistantMessage(_, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.messages = append(m.messages, storedMessage{id: id, role: "assistant", content: content})
	return id, nil
}

func (m *memConversations) UpdateAssistantMessage(messageID, content string, toolCalls []llm.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].id == messageID {
			m.messages[i].content = content
			m.messages[i].toolCalls = toolCalls
			return nil
		}
	}
	return fmt.Errorf("message %s not found", messageID)
}

func (m *memConversations) AddToolMessage(_, toolCallID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.messages = append(m.messages, storedMessage{id: id, role: "tool", content: content, toolCallID: toolCallID})
	return id, nil
}

func (m *memConversations) addUser(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, storedMessage{role: "user", content: content})
}

func (m *memConversations) roles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roles []string
	for _, sm := range m.messages {
		roles = append(roles, sm.role)
	}
	return roles
}

// memTasks is an in-memory TaskStore that records every transition.
type memTasks struct {
	mu       sync.Mutex
	statuses []task.Status
	partials []string
	result   string
	html     string
	errText  string
}

func (m *memTasks) SetStatus(_ string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memTasks) SetPartialContent(_, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partials = append(m.partials, content)
	return nil
}

func (m *memTasks) Complete(_, result, resultHTML string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, task.StatusCompleted)
	m.result = result
	m.html = resultHTML
	return nil
}

func (m *memTasks) Fail(_, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, task.StatusError)
	m.errText = message
	return nil
}

// fakeDispatcher answers every call from a map.
type fakeDispatcher struct {
	results map[string]string
	calls   []string
}

func (f *fakeDispatcher) Execute(_ context.Context, name, argsJSON string) (string, error) {
	f.calls = append(f.calls, name)
	result, ok := f.results[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)
	}
	return result, nil
}

func (f *fakeDispatcher) List() []map[string]any {
	return []map[string]any{{"type": "function", "function": map[string]any{"name": "search_clinical_trials"}}}
}

func newTestEngine(client llm.Client, d Dispatcher, convs ConversationStore, tasks TaskStore) *Engine {
	return New(client, d, convs, tasks, notify.New(), Config{
		Model:      "claude-haiku-4-5",
		MaxRounds:  5,
		RoundDelay: time.Millisecond,
	}, nil)
}

func TestRun_EndToEnd(t *testing.T) {
	// One user turn, one search tool round, one synthesis round.
	convs := &memConversations{}
	convs.addUser("find trials for X")

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "toolu_01", Name: "search_clinical_trials", Arguments: `{"search_term":"X"}`},
		}}},
		{Message: llm.Message{Role: "assistant", Content: "Found 3 trials for X."}},
	}}
	dispatcher := &fakeDispatcher{results: map[string]string{
		"search_clinical_trials": `{"success":true,"total_count":3}`,
	}}
	tasks := &memTasks{}

	e := newTestEngine(client, dispatcher, convs, tasks)
	if err := e.Run(context.Background(), "conv-1", "task-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tasks.result != "Found 3 trials for X." {
		t.Errorf("result = %q", tasks.result)
	}
	if !strings.Contains(tasks.html, "Found 3 trials") {
		t.Errorf("rendered result = %q", tasks.html)
	}

	// Conversation shape: user, assistant-with-call, tool-result,
	// assistant-final.
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if got := convs.roles(); len(got) != len(wantRoles) {
		t.Fatalf("roles = %v, want %v", got, wantRoles)
	} else {
		for i := range wantRoles {
			if got[i] != wantRoles[i] {
				t.Errorf("turn %d role = %q, want %q", i, got[i], wantRoles[i])
			}
		}
	}

	// Status path: analyzing -> tool_calling -> synthesizing -> completed.
	want := []task.Status{task.StatusAnalyzing, task.StatusToolCalling, task.StatusSynthesizing, task.StatusCompleted}
	if len(tasks.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", tasks.statuses, want)
	}
	for i := range want {
		if tasks.statuses[i] != want[i] {
			t.Errorf("status %d = %s, want %s", i, tasks.statuses[i], want[i])
		}
	}

	// Second model call sees the tool result in history.
	if len(client.calls) != 2 {
		t.Fatalf("model calls = %d", len(client.calls))
	}
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "toolu_01" {
		t.Errorf("last message of second call = %+v", last)
	}
	if second[0].Role != "system" {
		t.Errorf("first message role = %q, want system", second[0].Role)
	}
}

func TestRun_ContentOnlySkipsToolStates(t *testing.T) {
	convs := &memConversations{}
	convs.addUser("hello")

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "Hi. Ask me about clinical trials."}},
	}}
	tasks := &memTasks{}

	e := newTestEngine(client, &fakeDispatcher{}, convs, tasks)
	if err := e.Run(context.Background(), "conv-1", "task-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []task.Status{task.StatusAnalyzing, task.StatusCompleted}
	if len(tasks.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", tasks.statuses, want)
	}
	for _, s := range tasks.statuses {
		if s == task.StatusToolCalling || s == task.StatusSynthesizing {
			t.Errorf("tool states visited on a no-tool run: %v", tasks.statuses)
		}
	}
}

func TestRun_ExhaustionIsAnError(t *testing.T) {
	// The model requests tools every round and never answers.
	convs := &memConversations{}
	convs.addUser("loop forever")

	var responses []*llm.ChatResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, &llm.ChatResponse{
			Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				{ID: fmt.Sprintf("toolu_%d", i), Name: "search_clinical_trials", Arguments: `{}`},
			}},
		})
	}
	client := &scriptedLLM{responses: responses}
	dispatcher := &fakeDispatcher{results: map[string]string{"search_clinical_trials": "{}"}}
	tasks := &memTasks{}

	e := newTestEngine(client, dispatcher, convs, tasks)
	err := e.Run(context.Background(), "conv-1", "task-1")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Errorf("err = %v", err)
	}

	final := tasks.statuses[len(tasks.statuses)-1]
	if final != task.StatusError {
		t.Errorf("final status = %s, want error", final)
	}
	if !strings.Contains(tasks.errText, "exhausted") {
		t.Errorf("task error = %q", tasks.errText)
	}
	// Exactly MaxRounds model calls were made.
	if len(client.calls) != 5 {
		t.Errorf("model calls = %d, want 5", len(client.calls))
	}
}

func TestRun_ToolFailureBecomesErrorText(t *testing.T) {
	convs := &memConversations{}
	convs.addUser("find trials for X")

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "toolu_01", Name: "query_pharos_api", Arguments: `{"question":"q"}`},
		}}},
		{Message: llm.Message{Role: "assistant", Content: "Pharos is unavailable right now."}},
	}}
	// Dispatcher that fails execution without being an unknown tool.
	dispatcher := &failingDispatcher{}
	tasks := &memTasks{}

	e := newTestEngine(client, dispatcher, convs, tasks)
	if err := e.Run(context.Background(), "conv-1", "task-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The failure reached the model as error text in a tool turn.
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.HasPrefix(last.Content, "Error: ") {
		t.Errorf("tool turn = %+v, want error-shaped text", last)
	}
	if tasks.result == "" {
		t.Error("run did not complete despite recoverable tool failure")
	}
}

type failingDispatcher struct{}

func (f *failingDispatcher) Execute(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("upstream timeout")
}

func (f *failingDispatcher) List() []map[string]any { return nil }

func TestRun_UnknownToolIsFatal(t *testing.T) {
	convs := &memConversations{}
	convs.addUser("do something odd")

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "toolu_01", Name: "hallucinated_tool", Arguments: `{}`},
		}}},
	}}
	dispatcher := &fakeDispatcher{results: map[string]string{}}
	tasks := &memTasks{}

	e := newTestEngine(client, dispatcher, convs, tasks)
	err := e.Run(context.Background(), "conv-1", "task-1")
	if err == nil {
		t.Fatal("expected fatal error for unknown tool")
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("err = %v", err)
	}
	if tasks.statuses[len(tasks.statuses)-1] != task.StatusError {
		t.Errorf("statuses = %v", tasks.statuses)
	}
}

func TestRun_PersistsPartialSnapshots(t *testing.T) {
	convs := &memConversations{}
	convs.addUser("stream to me")

	client := &scriptedLLM{
		responses: []*llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", Content: "Full answer."}},
		},
		partials: []string{"Full", "Full answ"},
	}
	tasks := &memTasks{}

	e := newTestEngine(client, &fakeDispatcher{}, convs, tasks)
	if err := e.Run(context.Background(), "conv-1", "task-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(tasks.partials) != 2 || tasks.partials[1] != "Full answ" {
		t.Errorf("partials = %v", tasks.partials)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	convs := &memConversations{}
	convs.addUser("never mind")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "too late"}},
	}}
	tasks := &memTasks{}

	e := newTestEngine(client, &fakeDispatcher{}, convs, tasks)
	err := e.Run(ctx, "conv-1", "task-1")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	// A cancelled run must not dangle in a non-terminal status.
	if tasks.statuses[len(tasks.statuses)-1] != task.StatusError {
		t.Errorf("statuses = %v", tasks.statuses)
	}
	if tasks.errText == "" {
		t.Error("error status without a message")
	}
}
