package rlm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-rabi/rllm/pkg/core"
)

// scriptedService replays canned root responses in order. Sub-LLM calls from
// the sandbox (one-shot message lists) are answered by subFn. Root calls
// always carry the system prompt, the metadata turn, and at least one user
// turn, so anything with fewer than three messages is a sub call.
type scriptedService struct {
	mu        sync.Mutex
	responses []string
	idx       int
	rootReqs  []core.CompletionRequest
	subReqs   []core.CompletionRequest
	subFn     func(prompt string) string
	rootErr   error
}

var (
	rootUsage = core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	subUsage  = core.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
)

func (s *scriptedService) Complete(ctx context.Context, req core.CompletionRequest) (core.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Messages) < 3 {
		s.subReqs = append(s.subReqs, req)
		response := "sub response"
		if s.subFn != nil {
			response = s.subFn(req.Messages[len(req.Messages)-1].Content)
		}
		return core.CompletionResponse{
			Message: core.Message{Role: core.RoleAssistant, Content: response},
			Usage:   subUsage,
		}, nil
	}

	s.rootReqs = append(s.rootReqs, req)
	if s.rootErr != nil {
		return core.CompletionResponse{}, s.rootErr
	}
	if s.idx >= len(s.responses) {
		return core.CompletionResponse{}, errors.New("script exhausted")
	}
	response := s.responses[s.idx]
	s.idx++
	return core.CompletionResponse{
		Message: core.Message{Role: core.RoleAssistant, Content: response},
		Usage:   rootUsage,
	}, nil
}

func replBlock(code string) string {
	return "```repl\n" + code + "\n```"
}

func (s *scriptedService) allRootContent() string {
	var b strings.Builder
	for _, req := range s.rootReqs {
		for _, msg := range req.Messages {
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func TestDirectAnswer(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			"Found it directly.\n" + replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "the password is X7Q2"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "What is the password?",
		CompletionOptions{Context: "The password is X7Q2."})
	require.NoError(t, err)

	assert.Contains(t, result.Answer.Message, "X7Q2")
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, result.Usage.RootCalls)
	assert.Equal(t, 0, result.Usage.SubCalls)
	assert.Equal(t, 1, result.Usage.TotalCalls)
	assert.Equal(t, rootUsage, result.Usage.Tokens)
}

func TestTraceShapeAndOrdering(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "ok"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	types := make([]core.TraceEventType, len(result.Trace))
	for i, event := range result.Trace {
		types[i] = event.Type
		if i > 0 {
			assert.False(t, event.Timestamp.Before(result.Trace[i-1].Timestamp),
				"timestamps must be non-decreasing")
		}
	}

	assert.Equal(t, []core.TraceEventType{
		core.EventIterationStart,
		core.EventLLMQueryStart,
		core.EventLLMQueryEnd,
		core.EventCodeExecutionStart,
		core.EventCodeExecutionEnd,
		core.EventFinalAnswer,
	}, types)
	assert.Equal(t, "ok", result.Trace[len(result.Trace)-1].Payload["answer"])
}

func TestRecoverableFault(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`Print(undefinedVar)`),
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "recovered"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Answer.Message)
	assert.Equal(t, 2, result.Iterations)

	// The second root call sees the error report and the correction hint.
	require.Len(t, service.rootReqs, 2)
	secondTurn := service.allRootContent()
	assert.Contains(t, secondTurn, "repl error")
	assert.Contains(t, secondTurn, "correct the code")
}

func TestIterationLimitOverflow(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			"thinking...",
			"still thinking...",
			"here is my best guess",
		},
	}
	client := New(service, WithMaxIterations(2))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, "here is my best guess", result.Answer.Message)
	assert.Nil(t, result.Answer.Data)
	assert.Equal(t, 3, result.Usage.RootCalls)

	// The last root call carries the final-request instruction.
	lastReq := service.rootReqs[2]
	lastMsg := lastReq.Messages[len(lastReq.Messages)-1]
	assert.Contains(t, lastMsg.Content, "maximum number of iterations")
}

func TestOverflowResolvesLegacyMarker(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`guess := "BRAVO"`),
			"I stored it already.\nFINAL_VAR(guess)",
		},
	}
	client := New(service, WithMaxIterations(1))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	assert.Equal(t, "BRAVO", result.Answer.Message)
	assert.Equal(t, 2, result.Iterations)
}

func TestStructuredContext(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`quarters := context["quarters"].([]interface{})
q1 := quarters[0].(map[string]interface{})
q2 := quarters[1].(map[string]interface{})
best := q1
if q2["revenue"].(float64) > q1["revenue"].(float64) {
	best = q2
}
GiveFinalAnswer(map[string]interface{}{"message": best["q"].(string)})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "Which quarter had higher revenue?",
		CompletionOptions{Context: map[string]any{
			"quarters": []any{
				map[string]any{"q": "Q1", "revenue": 10},
				map[string]any{"q": "Q2", "revenue": 30},
			},
		}})
	require.NoError(t, err)

	assert.Equal(t, "Q2", result.Answer.Message)
	assert.Equal(t, 1, result.Iterations)
}

func TestInvalidFinalAnswerContinues(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": 42})`),
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "ok"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Answer.Message)
	assert.Equal(t, 2, result.Iterations, "invalid shape must not end the loop")
}

func TestChunkedSearch(t *testing.T) {
	needle := "NEEDLE=ABCDEF"
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 700)
	contextValue := filler[:12000] + needle + "\n" + filler[:7000]

	service := &scriptedService{
		subFn: func(prompt string) string {
			if strings.Contains(prompt, "ABCDEF") {
				return "found ABCDEF"
			}
			return "no match"
		},
		responses: []string{
			replBlock(`chunkSize := len(context) / 4
var prompts []string
for i := 0; i < 4; i++ {
	start := i * chunkSize
	end := start + chunkSize
	if i == 3 {
		end = len(context)
	}
	prompts = append(prompts, "Find the NEEDLE value in: "+context[start:end])
}
found := ""
for _, r := range LLMQueryBatched(prompts) {
	if strings.Contains(r, "ABCDEF") {
		found = r
	}
}
Print(found)`),
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": found})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "What is the value of NEEDLE?",
		CompletionOptions{Context: contextValue})
	require.NoError(t, err)

	assert.Contains(t, result.Answer.Message, "ABCDEF")
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 4, result.Usage.SubCalls)
	assert.Equal(t, 2, result.Usage.RootCalls)
	assert.Equal(t, 6, result.Usage.TotalCalls)

	wantTokens := rootUsage.Add(rootUsage).Add(subUsage).Add(subUsage).Add(subUsage).Add(subUsage)
	assert.Equal(t, wantTokens, result.Usage.Tokens)
}

func TestLaterBlocksSkippedAfterAnswer(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "early"})`) +
				"\n\n" + replBlock(`Print("should not run")`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)

	assert.Equal(t, "early", result.Answer.Message)

	starts := 0
	for _, event := range result.Trace {
		if event.Type == core.EventCodeExecutionStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "second block must be skipped")
}

func TestRootErrorPropagates(t *testing.T) {
	service := &scriptedService{rootErr: errors.New("service unavailable")}
	client := New(service, WithMaxIterations(5))

	var events []core.TraceEvent
	_, err := client.Completion(context.Background(), "q", CompletionOptions{
		Context: "ctx",
		OnEvent: func(e core.TraceEvent) { events = append(events, e) },
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm completion failed")

	// The failing call still leaves an error event behind.
	var sawErrorEnd bool
	for _, event := range events {
		if event.Type == core.EventLLMQueryEnd && event.Payload["error"] != nil {
			sawErrorEnd = true
		}
	}
	assert.True(t, sawErrorEnd)
}

func TestOnEventPanicDoesNotBreakCompletion(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "fine"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{
		Context: "ctx",
		OnEvent: func(core.TraceEvent) { panic("observer bug") },
	})
	require.NoError(t, err)
	assert.Equal(t, "fine", result.Answer.Message)
}

func TestNoBlocksReminderInNextTurn(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			"no code this time",
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "ok"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Iterations)

	require.Len(t, service.rootReqs, 2)
	secondReq := service.rootReqs[1]
	lastMsg := secondReq.Messages[len(secondReq.Messages)-1]
	assert.Contains(t, lastMsg.Content, "contained no repl block")
}

func TestSchemaDescriptionAppendedToMetadata(t *testing.T) {
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "ok"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	_, err := client.Completion(context.Background(), "q", CompletionOptions{
		Context:       map[string]any{"k": "v"},
		ContextSchema: "k: string",
	})
	require.NoError(t, err)

	require.NotEmpty(t, service.rootReqs)
	metadata := service.rootReqs[0].Messages[1]
	assert.Equal(t, core.RoleAssistant, metadata.Role)
	assert.Contains(t, metadata.Content, "Context schema:")
	assert.Contains(t, metadata.Content, "k: string")
}

func TestContextNeverInRootPrompt(t *testing.T) {
	secret := "ULTRA-SECRET-" + strings.Repeat("Z", 50)
	service := &scriptedService{
		responses: []string{
			replBlock(`GiveFinalAnswer(map[string]interface{}{"message": "done"})`),
		},
	}
	client := New(service, WithMaxIterations(5))

	_, err := client.Completion(context.Background(), "q", CompletionOptions{Context: secret})
	require.NoError(t, err)

	assert.NotContains(t, service.allRootContent(), secret,
		"raw context must never reach the root LLM")
}

func TestChat(t *testing.T) {
	service := &scriptedService{
		responses: []string{"chat reply"},
	}
	client := New(service)

	reply, err := client.Chat(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "s"},
		{Role: core.RoleAssistant, Content: "a"},
		{Role: core.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "chat reply", reply)
}

func TestIterationsBounded(t *testing.T) {
	for _, maxIter := range []int{1, 2, 4} {
		service := &scriptedService{
			responses: make([]string, maxIter+1),
		}
		for i := range service.responses {
			service.responses[i] = fmt.Sprintf("response %d with no code", i)
		}

		client := New(service, WithMaxIterations(maxIter))
		result, err := client.Completion(context.Background(), "q", CompletionOptions{Context: "ctx"})
		require.NoError(t, err)

		assert.GreaterOrEqual(t, result.Iterations, 1)
		assert.Equal(t, maxIter+1, result.Iterations)
		assert.Equal(t, result.Usage.RootCalls+result.Usage.SubCalls, result.Usage.TotalCalls)
	}
}
