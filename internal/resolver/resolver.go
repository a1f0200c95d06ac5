package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/history"
	"github.com/xiaoqi-ai/xiaoqi/internal/model"
	"github.com/xiaoqi-ai/xiaoqi/internal/observability"
	"github.com/xiaoqi-ai/xiaoqi/internal/source"
	"github.com/xiaoqi-ai/xiaoqi/internal/transcript"
)

// Terminal source identifiers reported in results. Generative backends report
// under their configured provider name instead.
const (
	SourceMemory         = "memory"
	SourceKnowledgeBase  = "knowledge_base"
	SourceLongTermMemory = "long_term_memory"
	SourceMerged         = "merged_generative"
	SourceFallback       = "fallback"

	lowConfidenceSuffix = "_low_confidence"
)

// fallbackReply is served when every source declined or failed. Total cascade
// failure is still a successful response, never an error.
const fallbackReply = "抱歉，我现在无法处理您的请求。请稍后再试。"

var ErrEmptyMessage = errors.New("message must not be empty")

// Source is a prioritized knowledge backend consulted before the generative
// fan-out. Query never fails hard; a decline is carried in the QueryResult.
type Source interface {
	Name() string
	Query(ctx context.Context, utterance string) source.QueryResult
}

// MemorySource additionally persists resolved exchanges.
type MemorySource interface {
	Source
	Save(ctx context.Context, userText, assistantText string) error
}

// Backend pairs a generative model with its own timeout and sampling budget.
type Backend struct {
	Generator   model.Generator
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Result mirrors the /chat response body.
type Result struct {
	Status   string            `json:"status"`
	Message  string            `json:"message"`
	IsVoice  bool              `json:"is_voice"`
	Source   string            `json:"source"`
	Response string            `json:"response"`
	Sources  map[string]bool   `json:"sources"`
	Raw      map[string]string `json:"raw_responses"`
}

// Deps wires a Resolver. Memory, Knowledge and LongTerm may be nil when the
// corresponding source is disabled.
type Deps struct {
	Memory      MemorySource
	Knowledge   Source
	LongTerm    Source
	Backends    []Backend
	Fuser       *Fuser
	History     *history.Log
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Logger      *zap.Logger

	PromptWindow   int
	ResolveTimeout time.Duration
}

// Resolver drives the priority cascade for one utterance at a time. It is
// safe for concurrent use; the conversation history is the only shared
// mutable state and guards itself.
type Resolver struct {
	deps Deps

	// bg tracks fire-and-forget persistence so shutdown can drain it.
	bg sync.WaitGroup
}

func New(deps Deps) *Resolver {
	if deps.PromptWindow <= 0 {
		deps.PromptWindow = 6
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Resolver{deps: deps}
}

// Resolve runs the cascade: short-term memory, knowledge base, long-term
// memory, generative fan-out with fusion, then the static fallback. Every
// non-empty utterance yields a successful Result; the only error conditions
// are validation failures.
func (r *Resolver) Resolve(ctx context.Context, message string, isVoice bool) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, ErrEmptyMessage
	}
	if r.deps.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deps.ResolveTimeout)
		defer cancel()
	}

	res := Result{
		Status:  "error",
		Message: message,
		IsVoice: isVoice,
		Sources: map[string]bool{},
		Raw:     map[string]string{},
	}
	if r.deps.Memory != nil {
		res.Sources[SourceMemory] = false
	}
	if r.deps.Knowledge != nil {
		res.Sources[SourceKnowledgeBase] = false
	}
	if r.deps.LongTerm != nil {
		res.Sources[SourceLongTermMemory] = false
	}
	for _, b := range r.deps.Backends {
		res.Sources[b.Generator.Name()] = false
	}

	if r.deps.Memory != nil {
		qr := r.query(ctx, r.deps.Memory, message)
		if qr.Found {
			res.Sources[SourceMemory] = true
			res.Raw[SourceMemory] = qr.Text
			// The answer came out of memory; re-saving it would only duplicate
			// the stored exchange.
			return r.finish(&res, SourceMemory, qr.Text, false), nil
		}
	}

	var kbLow, ltmLow string
	if r.deps.Knowledge != nil {
		qr := r.query(ctx, r.deps.Knowledge, message)
		if qr.Text != "" {
			res.Raw[SourceKnowledgeBase] = qr.Text
		}
		if qr.Found {
			res.Sources[SourceKnowledgeBase] = true
			return r.finish(&res, SourceKnowledgeBase, qr.Text, true), nil
		}
		kbLow = qr.Text
	}

	if r.deps.LongTerm != nil {
		qr := r.query(ctx, r.deps.LongTerm, message)
		if qr.Text != "" {
			res.Raw[SourceLongTermMemory] = qr.Text
		}
		if qr.Found {
			res.Sources[SourceLongTermMemory] = true
			return r.finish(&res, SourceLongTermMemory, qr.Text, true), nil
		}
		ltmLow = qr.Text
	}

	outcomes := r.fanOut(ctx, message)
	var succeeded []genOutcome
	for _, out := range outcomes {
		if out.err != nil {
			r.deps.Logger.Error("generative backend failed",
				zap.String("provider", out.name), zap.Error(out.err))
			r.deps.Metrics.SourceErrors.WithLabelValues(out.name, "error").Inc()
			continue
		}
		res.Sources[out.name] = true
		res.Raw[out.name] = out.text
		succeeded = append(succeeded, out)
	}

	switch {
	case len(succeeded) >= 2:
		texts := make([]string, len(succeeded))
		for i, out := range succeeded {
			texts[i] = out.text
		}
		merged := r.deps.Fuser.Merge(ctx, texts)
		return r.finish(&res, SourceMerged, merged, true), nil
	case len(succeeded) == 1:
		return r.finish(&res, succeeded[0].name, succeeded[0].text, true), nil
	}

	// Low-confidence leftovers beat the canned apology; the knowledge base is
	// preferred over long-term memory as a deliberate tie-break.
	if kbLow != "" {
		res.Sources[SourceKnowledgeBase] = true
		return r.finish(&res, SourceKnowledgeBase+lowConfidenceSuffix, kbLow, true), nil
	}
	if ltmLow != "" {
		res.Sources[SourceLongTermMemory] = true
		return r.finish(&res, SourceLongTermMemory+lowConfidenceSuffix, ltmLow, true), nil
	}
	return r.finish(&res, SourceFallback, fallbackReply, true), nil
}

func (r *Resolver) query(ctx context.Context, src Source, utterance string) source.QueryResult {
	start := time.Now()
	qr := src.Query(ctx, utterance)
	r.deps.Metrics.ObserveSourceLatency(src.Name(), time.Since(start))
	return qr
}

type genOutcome struct {
	name string
	text string
	err  error
}

// fanOut dispatches all configured backends at once, each on its own timeout.
// One backend's failure or slowness never cancels the others.
func (r *Resolver) fanOut(ctx context.Context, message string) []genOutcome {
	prompt := r.buildPrompt(message)
	outcomes := make([]genOutcome, len(r.deps.Backends))

	var wg sync.WaitGroup
	for i, b := range r.deps.Backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			bctx, cancel := context.WithTimeout(ctx, b.Timeout)
			defer cancel()

			start := time.Now()
			text, err := b.Generator.Complete(bctx, prompt, b.Temperature, b.MaxTokens)
			r.deps.Metrics.ObserveSourceLatency(b.Generator.Name(), time.Since(start))
			outcomes[i] = genOutcome{name: b.Generator.Name(), text: text, err: err}
		}(i, b)
	}
	wg.Wait()
	return outcomes
}

// buildPrompt assembles the recent history window plus the new utterance.
func (r *Resolver) buildPrompt(message string) []model.Message {
	turns := r.deps.History.Snapshot(r.deps.PromptWindow)
	msgs := make([]model.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, model.Message{Role: t.Role, Content: t.Content})
	}
	return append(msgs, model.Message{Role: "user", Content: message})
}

// finish marks the terminal state: it persists the exchange (best-effort, off
// the response path), appends to history synchronously, and seals the result.
func (r *Resolver) finish(res *Result, src, reply string, persist bool) Result {
	res.Status = "success"
	res.Source = src
	res.Response = reply

	if persist && r.deps.Memory != nil {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.persistToMemory(res.Message, reply)
		}()
	}
	r.bg.Add(1)
	go func(userText, assistantText string, isVoice bool) {
		defer r.bg.Done()
		r.archive(userText, assistantText, src, isVoice)
	}(res.Message, reply, res.IsVoice)

	r.deps.History.AppendTurn(res.Message, reply)

	r.deps.Metrics.Resolutions.WithLabelValues(src).Inc()
	r.deps.Metrics.HistoryTurns.Set(float64(r.deps.History.Len()))
	return *res
}

// Drain blocks until in-flight background persistence finishes.
func (r *Resolver) Drain() {
	r.bg.Wait()
}

func (r *Resolver) persistToMemory(userText, assistantText string) {
	if err := r.deps.Memory.Save(context.Background(), userText, assistantText); err != nil {
		r.deps.Logger.Warn("memory save failed", zap.Error(err))
		r.deps.Metrics.SourceErrors.WithLabelValues(SourceMemory, "save").Inc()
	}
}

func (r *Resolver) archive(userText, assistantText, src string, isVoice bool) {
	if r.deps.Transcripts == nil {
		return
	}
	turnID := uuid.NewString()
	records := []transcript.TurnRecord{
		{TurnID: turnID, Role: history.RoleUser, Content: userText, Source: src, IsVoice: isVoice},
		{TurnID: turnID, Role: history.RoleAssistant, Content: assistantText, Source: src, IsVoice: isVoice},
	}
	for _, rec := range records {
		if err := r.deps.Transcripts.SaveTurn(context.Background(), rec); err != nil {
			r.deps.Logger.Warn("transcript save failed", zap.Error(err))
			return
		}
	}
}
