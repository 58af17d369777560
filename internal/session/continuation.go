// Package session drives one logical chat/tool-use exchange: it runs a
// provider adapter round by round, recovering tool-call JSON that was cut
// short by the output-token limit.
package session

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/funkpopo/writebot-sub002/internal/event"
	"github.com/funkpopo/writebot-sub002/internal/logging"
	"github.com/funkpopo/writebot-sub002/internal/provider"
	"github.com/funkpopo/writebot-sub002/internal/toolcall"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// MaxRounds caps how many streaming rounds one exchange may issue. The cap
// is a hard stop: on reaching it, whatever is still unfinished is flushed
// best-effort instead of looping further.
const MaxRounds = 3

// continueInstruction is the synthetic user turn appended for rounds after
// the first.
const continueInstruction = "Your previous response was cut off in the middle of a tool call. " +
	"Continue outputting ONLY the remaining JSON of the unfinished tool call arguments, " +
	"starting exactly where the previous output stopped. Do not repeat text you already " +
	"produced and do not add any commentary."

// Result is the outcome of one exchange.
type Result struct {
	// ExchangeID identifies this exchange in logs and events.
	ExchangeID string
	// Content is the assistant text accumulated across all rounds.
	Content string
	// ToolCalls are all flushed calls, complete ones first per round, in
	// assigned order.
	ToolCalls []types.ToolCallRequest
	// FinishReason is the last round's finish reason.
	FinishReason string
	// Rounds is how many rounds were issued.
	Rounds int
}

// Continuation orchestrates rounds against one adapter. Rounds repeat only
// while the adapter reports its truncation sentinel and incomplete tool
// calls remain; any other finish reason ends the exchange immediately.
type Continuation struct {
	adapter provider.Adapter
	bus     *event.Bus
	log     zerolog.Logger
	entropy *ulid.MonotonicEntropy
}

// NewContinuation creates an orchestrator for one adapter.
func NewContinuation(adapter provider.Adapter) *Continuation {
	return &Continuation{
		adapter: adapter,
		log:     logging.ForComponent("session"),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// WithBus mirrors deltas, tool-call flushes and completion onto the bus.
func (c *Continuation) WithBus(bus *event.Bus) *Continuation {
	c.bus = bus
	return c
}

func (c *Continuation) newExchangeID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}

// Run performs the exchange. Text deltas stream through onChunk for every
// round; onChunk receives exactly one empty done=true call, after the final
// round. onToolCall fires as rounds complete, possibly multiple times;
// either callback may be nil.
func (c *Continuation) Run(ctx context.Context, req *provider.Request, onChunk types.ChunkHandler, onToolCall types.ToolCallHandler) (*Result, error) {
	id := c.newExchangeID()
	log := c.log.With().Str("exchange", id).Str("provider", c.adapter.ID()).Logger()

	// Intermediate per-round done callbacks are swallowed; the caller sees
	// one continuous stream.
	forward := func(text string, done bool, thinking bool, meta *types.ChunkMeta) {
		if done {
			return
		}
		if onChunk != nil {
			onChunk(text, done, thinking, meta)
		}
		if c.bus == nil {
			return
		}
		if thinking {
			c.bus.PublishSync(event.Event{Type: event.ChatThinking, Data: event.ChatThinkingData{Text: text}})
			return
		}
		c.bus.PublishSync(event.Event{Type: event.ChatDelta, Data: event.ChatDeltaData{Text: text, Meta: meta}})
	}

	base := req.Messages
	var content strings.Builder
	var flushed []types.ToolCallRequest
	flushedIDs := map[string]bool{}
	var seed *toolcall.Tracker
	var last *toolcall.Tracker
	finish := ""
	rounds := 0

	flush := func(calls []types.ToolCallRequest) {
		fresh := calls[:0:0]
		for _, call := range calls {
			if flushedIDs[call.ID] {
				continue
			}
			flushedIDs[call.ID] = true
			fresh = append(fresh, call)
		}
		if len(fresh) == 0 {
			return
		}
		flushed = append(flushed, fresh...)
		if onToolCall != nil {
			onToolCall(fresh)
		}
		if c.bus != nil {
			c.bus.PublishSync(event.Event{Type: event.ChatToolCalls, Data: event.ChatToolCallsData{Calls: fresh}})
		}
	}

	for round := 1; round <= MaxRounds; round++ {
		rounds = round

		roundReq := *req
		if round > 1 {
			var pending []types.ToolCallRequest
			for _, e := range seed.Incomplete() {
				pending = append(pending, e.Request())
			}
			msgs := make([]types.Message, 0, len(base)+2)
			msgs = append(msgs, base...)
			msgs = append(msgs, types.AssistantMessage(content.String(), pending))
			msgs = append(msgs, types.UserMessage(continueInstruction))
			roundReq.Messages = msgs
		}

		res, err := c.adapter.Stream(ctx, &roundReq, seed, forward)
		if err != nil {
			if c.bus != nil {
				c.bus.PublishSync(event.Event{Type: event.ChatError, Data: event.ChatErrorData{Error: err.Error()}})
			}
			return nil, err
		}

		content.WriteString(res.Content)
		finish = res.FinishReason

		last = res.Calls
		last.AssignOrders()
		flush(last.Complete())

		incomplete := last.Incomplete()
		if res.FinishReason != c.adapter.TruncationSentinel() || len(incomplete) == 0 {
			break
		}
		if round == MaxRounds {
			log.Warn().Int("incomplete", len(incomplete)).Msg("round cap reached, flushing unfinished tool calls")
			break
		}

		log.Debug().Int("round", round).Int("incomplete", len(incomplete)).Msg("continuing truncated tool calls")
		seed = last.CarryIncomplete()
	}

	// Whatever is still unfinished at the end goes out best-effort, with
	// the raw-argument fallback applied by canonicalization.
	if last != nil {
		flush(last.Flush())
	}

	if onChunk != nil {
		onChunk("", true, false, nil)
	}
	if c.bus != nil {
		c.bus.PublishSync(event.Event{Type: event.ChatDone, Data: event.ChatDoneData{
			Content:      content.String(),
			FinishReason: finish,
			Rounds:       rounds,
		}})
	}

	return &Result{
		ExchangeID:   id,
		Content:      content.String(),
		ToolCalls:    flushed,
		FinishReason: finish,
		Rounds:       rounds,
	}, nil
}
