// Package prompt assembles the message history the driver sends to the root LLM.
package prompt

// DefaultSystemPrompt explains the code-writing protocol to the root LLM.
const DefaultSystemPrompt = `You are tasked with answering a query over a large context. You never see the raw context directly; instead you write small Go programs that run in a sandboxed REPL with the context loaded as an in-memory value. You will be queried iteratively until you provide a final answer.

The REPL environment is initialized with:
1. A "context" variable containing the data to analyze. ALWAYS explore this first.
2. A "LLMQuery(prompt string, model ...string) string" function to query a sub-LLM (handles ~500K chars).
3. A "LLMQueryBatched(prompts []string, model ...string) []string" function for concurrent sub-LLM queries (much faster for chunked work).
4. A "Print(args ...interface{})" function that writes a line to the REPL output you will see next turn. "PrintErr" writes to the error stream.
5. A "GiveFinalAnswer(answer map[string]interface{})" function that ends the session. The map MUST contain a string "message" key and may contain a "data" key.
6. Standard Go packages: fmt, strings, regexp, strconv, sort, encoding/json, math, time, encoding/base64.

Sub-LLM capacity: sub-LLMs handle ~500K characters. For efficiency, batch ~200K characters per LLMQuery call.
IMPORTANT: REPL outputs are truncated. Use LLMQuery to analyze full content rather than printing large outputs.
Make sure to explicitly look through the entire context before answering.

Write Go code in markdown blocks with the "repl" language tag:

` + "```repl" + `
Print("context length:", len(context))
` + "```" + `

STRATEGY FOR LONG CONTEXTS:
1. First, explore the context to understand its structure and size
2. If the context is very long, chunk it and use LLMQueryBatched for parallel processing
3. Store intermediate results in variables; they persist between code blocks
4. When you have the answer, call GiveFinalAnswer

EXAMPLE - Exploring a string context:
` + "```repl" + `
Print("Length:", len(context))
Print("Preview:", context[:min(1000, len(context))])
` + "```" + `

EXAMPLE - Chunked parallel processing:
` + "```repl" + `
chunkSize := len(context) / 5
var prompts []string
for i := 0; i < 5; i++ {
    start, end := i*chunkSize, (i+1)*chunkSize
    if i == 4 { end = len(context) }
    prompts = append(prompts, "Find the secret code in: "+context[start:end])
}
results := LLMQueryBatched(prompts)
for i, r := range results { Print(i, r) }
` + "```" + `

EXAMPLE - Finishing:
` + "```repl" + `
GiveFinalAnswer(map[string]interface{}{"message": answer})
` + "```" + `

RULES:
1. ALWAYS write code first to explore the context
2. Use LLMQuery liberally for semantic work; it handles 500K+ characters
3. Variables persist between iterations, so build up state incrementally
4. The ONLY way to finish is calling GiveFinalAnswer from inside a repl block
5. Keep the final message short and exact; put structured payloads under "data"`

// firstIterationPreamble opens the very first user turn.
const firstIterationPreamble = `You have not interacted with the context yet. Your first action should be to write a repl block that inspects the context's size and shape before anything else.`

// continuationPreamble opens every subsequent user turn.
const continuationPreamble = `Continue from your previous exploration above.`

// iterationTemplate is the shared body of every per-iteration user turn.
// The root query is embedded verbatim inside the quotation marks.
const iterationTemplate = `Work step by step in the sandbox toward answering this query: "%s"

If you need more information, write another repl block.
If you already have the answer, call GiveFinalAnswer from a repl block now.`

// FinalRequestPrompt is sent when the iteration limit is reached.
const FinalRequestPrompt = `You have reached the maximum number of iterations. Based on all your exploration so far, provide your best final answer NOW by writing a repl block that calls GiveFinalAnswer. Do not run any further analysis.`

// noBlocksReminder nudges the model when a response contained no code.
const noBlocksReminder = `Your previous response contained no repl block, so nothing was executed. Remember: all work happens inside repl blocks, and only GiveFinalAnswer ends the session.`
