package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/code-rabi/rllm/pkg/core"
)

// llmQuery is the LLMQuery binding. It never raises into interpreted code:
// transport errors come back as a descriptive string, and every call appends
// one sub-call record before returning.
func (s *Sandbox) llmQuery(prompt string, model ...string) string {
	response, record := s.runSubQuery(s.callContext(), prompt, firstModel(model))
	s.recordSubCalls(record)
	return response
}

// llmQueryBatched is the LLMQueryBatched binding. All prompts are issued
// concurrently; results and sub-call records are index-aligned to the input.
func (s *Sandbox) llmQueryBatched(prompts []string, model ...string) []string {
	ctx := s.callContext()
	override := firstModel(model)

	responses := make([]string, len(prompts))
	records := make([]core.SubLLMCall, len(prompts))

	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(idx int, p string) {
			defer wg.Done()
			responses[idx], records[idx] = s.runSubQuery(ctx, p, override)
		}(i, prompt)
	}
	wg.Wait()

	s.recordSubCalls(records...)
	return responses
}

// runSubQuery performs one sub-LLM call and builds its record. It does not
// touch sandbox state, so batched calls can run it concurrently.
func (s *Sandbox) runSubQuery(ctx context.Context, prompt, modelOverride string) (string, core.SubLLMCall) {
	var messages []core.Message
	if s.cfg.SystemPrompt != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: s.cfg.SystemPrompt})
	}
	messages = append(messages, core.Message{Role: core.RoleUser, Content: prompt})

	model := s.cfg.Model
	if modelOverride != "" {
		model = modelOverride
	}

	start := time.Now()
	resp, err := s.service.Complete(ctx, core.CompletionRequest{
		Messages: messages,
		Model:    model,
	})
	duration := time.Since(start)

	record := core.SubLLMCall{
		Prompt:   prompt,
		Duration: duration,
		Model:    modelOverride,
	}

	if err != nil {
		record.Response = fmt.Sprintf("Error: %v", err)
		return record.Response, record
	}

	record.Response = resp.Message.Content
	record.Usage = resp.Usage
	return record.Response, record
}

// recordSubCalls appends records to the frame and cumulative logs in
// initiation order and folds their usage into the aggregate.
func (s *Sandbox) recordSubCalls(records ...core.SubLLMCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		s.frameCalls = append(s.frameCalls, record)
		s.allCalls = append(s.allCalls, record)
		s.subUsage = s.subUsage.Add(record.Usage)
	}
}

func (s *Sandbox) callContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func firstModel(model []string) string {
	if len(model) > 0 {
		return model[0]
	}
	return ""
}

// print is the Print binding: one space-joined line to stdout.
func (s *Sandbox) print(args ...any) {
	s.stdout.WriteLine(fmt.Sprintln(args...))
}

// printErr routes warnings and errors to stderr.
func (s *Sandbox) printErr(args ...any) {
	s.stderr.WriteLine(fmt.Sprintln(args...))
}

// giveFinalAnswer is the final-answer binding. The answer must carry a
// string "message" key; invalid shapes are ignored and the first accepted
// answer wins.
func (s *Sandbox) giveFinalAnswer(answer map[string]any) {
	msg, ok := answer["message"].(string)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalAnswer != nil {
		return
	}
	s.finalAnswer = &core.FinalAnswer{Message: msg, Data: answer["data"]}
	s.pendingVar = ""
}

// finalDirect is the legacy Final binding: stores the stringified value as
// the answer message.
func (s *Sandbox) finalDirect(value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalAnswer != nil {
		return
	}
	s.finalAnswer = &core.FinalAnswer{Message: stringify(value)}
	s.pendingVar = ""
}

// finalVar is the legacy FinalVar binding. The name resolves against the
// locals map after the frame completes, so the last write to the name wins
// even across executions.
func (s *Sandbox) finalVar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalAnswer != nil {
		return
	}
	s.pendingVar = name
}
