package session

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/funkpopo/writebot-sub002/internal/event"
	"github.com/funkpopo/writebot-sub002/internal/provider"
	"github.com/funkpopo/writebot-sub002/internal/toolcall"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// fragment is one scripted tracker application within a stub round.
type fragment struct {
	slot int
	id   string
	name string
	args string
}

type scriptedRound struct {
	content   string
	finish    string
	fragments []fragment
	err       error
}

// stubAdapter replays scripted rounds and records the messages each round
// was issued with.
type stubAdapter struct {
	rounds   []scriptedRound
	sentinel string
	requests []*provider.Request
}

func (s *stubAdapter) ID() string   { return "stub" }
func (s *stubAdapter) Name() string { return "Stub" }

func (s *stubAdapter) TruncationSentinel() string {
	if s.sentinel != "" {
		return s.sentinel
	}
	return "length"
}

func (s *stubAdapter) Stream(ctx context.Context, req *provider.Request, seed *toolcall.Tracker, onChunk types.ChunkHandler) (*provider.RoundResult, error) {
	round := s.rounds[len(s.requests)]
	s.requests = append(s.requests, req)
	if round.err != nil {
		return nil, round.err
	}

	tracker := seed
	if tracker == nil {
		tracker = toolcall.NewTracker()
	}
	if round.content != "" {
		onChunk(round.content, false, false, nil)
	}
	for _, f := range round.fragments {
		tracker.Apply(f.slot, f.id, f.name, f.args)
	}
	onChunk("", true, false, nil)
	return &provider.RoundResult{Content: round.content, Calls: tracker, FinishReason: round.finish}, nil
}

var _ = Describe("Continuation", func() {
	var (
		chunks     []string
		doneCount  int
		flushes    [][]types.ToolCallRequest
		onChunk    types.ChunkHandler
		onToolCall types.ToolCallHandler
	)

	BeforeEach(func() {
		chunks = nil
		doneCount = 0
		flushes = nil
		onChunk = func(text string, done bool, thinking bool, meta *types.ChunkMeta) {
			if done {
				doneCount++
				return
			}
			chunks = append(chunks, text)
		}
		onToolCall = func(calls []types.ToolCallRequest) {
			flushes = append(flushes, calls)
		}
	})

	It("finishes in one round when generation stops normally", func() {
		stub := &stubAdapter{rounds: []scriptedRound{
			{content: "Hello there.", finish: "stop"},
		}}

		res, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("hi")},
		}, onChunk, onToolCall)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Rounds).To(Equal(1))
		Expect(res.Content).To(Equal("Hello there."))
		Expect(res.FinishReason).To(Equal("stop"))
		Expect(res.ToolCalls).To(BeEmpty())
		Expect(chunks).To(Equal([]string{"Hello there."}))
		Expect(doneCount).To(Equal(1))
		Expect(flushes).To(BeEmpty())
	})

	It("continues a truncated tool call and flushes it once complete", func() {
		stub := &stubAdapter{rounds: []scriptedRound{
			{
				content: "Calling a tool. ",
				finish:  "length",
				fragments: []fragment{
					{slot: 0, id: "call_1", name: "search", args: `{"q":"go`},
				},
			},
			{
				content:   "",
				finish:    "stop",
				fragments: []fragment{{slot: 0, args: `"}`}},
			},
		}}

		res, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("find go docs")},
		}, onChunk, onToolCall)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Rounds).To(Equal(2))
		Expect(res.ToolCalls).To(HaveLen(1))
		Expect(res.ToolCalls[0].ID).To(Equal("call_1"))
		Expect(res.ToolCalls[0].Name).To(Equal("search"))
		Expect(res.ToolCalls[0].Arguments).To(Equal(map[string]any{"q": "go"}))
		Expect(flushes).To(HaveLen(1))
		Expect(doneCount).To(Equal(1))

		// The second round carries the history plus the synthetic pair.
		Expect(stub.requests).To(HaveLen(2))
		msgs := stub.requests[1].Messages
		Expect(msgs).To(HaveLen(3))
		Expect(msgs[1].Role).To(Equal(types.RoleAssistant))
		Expect(msgs[1].Content).To(Equal("Calling a tool. "))
		Expect(msgs[1].ToolCalls).To(HaveLen(1))
		Expect(msgs[2].Role).To(Equal(types.RoleUser))
		Expect(msgs[2].Content).To(ContainSubstring("Continue outputting ONLY the remaining JSON"))
	})

	It("stops at the round cap and flushes raw arguments best-effort", func() {
		truncated := scriptedRound{
			finish:    "length",
			fragments: []fragment{{slot: 0, id: "call_1", name: "write", args: `{"text":"par`}},
		}
		stub := &stubAdapter{rounds: []scriptedRound{
			truncated,
			{finish: "length", fragments: []fragment{{slot: 0, args: `tial`}}},
			{finish: "length", fragments: []fragment{{slot: 0, args: ` stuff`}}},
		}}

		res, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("write")},
		}, onChunk, onToolCall)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Rounds).To(Equal(MaxRounds))
		Expect(res.ToolCalls).To(HaveLen(1))
		Expect(res.ToolCalls[0].Arguments).To(HaveKey(types.RawArgumentsKey))
		Expect(res.ToolCalls[0].Arguments[types.RawArgumentsKey]).To(Equal(`{"text":"par` + `tial` + ` stuff`))
	})

	It("does not continue past a normal finish even with partial arguments", func() {
		stub := &stubAdapter{rounds: []scriptedRound{
			{
				finish:    "stop",
				fragments: []fragment{{slot: 0, id: "call_1", name: "search", args: `{"q":"unfini`}},
			},
		}}

		res, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("x")},
		}, onChunk, onToolCall)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Rounds).To(Equal(1))
		Expect(res.ToolCalls).To(HaveLen(1))
		Expect(res.ToolCalls[0].Arguments).To(HaveKey(types.RawArgumentsKey))
	})

	It("flushes completed calls per round, not only at the end", func() {
		stub := &stubAdapter{rounds: []scriptedRound{
			{
				finish: "length",
				fragments: []fragment{
					{slot: 0, id: "call_a", name: "search", args: `{"q":"one"}`},
					{slot: 1, id: "call_b", name: "search", args: `{"q":"tw`},
				},
			},
			{
				finish:    "stop",
				fragments: []fragment{{slot: 0, args: `o"}`}},
			},
		}}

		res, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("x")},
		}, onChunk, onToolCall)

		Expect(err).NotTo(HaveOccurred())
		Expect(flushes).To(HaveLen(2))
		Expect(flushes[0]).To(HaveLen(1))
		Expect(flushes[0][0].ID).To(Equal("call_a"))
		Expect(flushes[1]).To(HaveLen(1))
		Expect(flushes[1][0].ID).To(Equal("call_b"))
		Expect(res.ToolCalls).To(HaveLen(2))
	})

	It("propagates adapter errors without a done callback", func() {
		boom := errors.New("stream failed")
		stub := &stubAdapter{rounds: []scriptedRound{{err: boom}}}

		_, err := NewContinuation(stub).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("x")},
		}, onChunk, onToolCall)

		Expect(err).To(MatchError(boom))
		Expect(doneCount).To(BeZero())
	})

	It("mirrors the exchange onto the event bus", func() {
		bus := event.NewBus()
		defer bus.Close()

		var deltas []string
		var done *event.ChatDoneData
		bus.Subscribe(event.ChatDelta, func(e event.Event) {
			deltas = append(deltas, e.Data.(event.ChatDeltaData).Text)
		})
		bus.Subscribe(event.ChatDone, func(e event.Event) {
			d := e.Data.(event.ChatDoneData)
			done = &d
		})

		stub := &stubAdapter{rounds: []scriptedRound{
			{content: "Hi.", finish: "stop"},
		}}

		_, err := NewContinuation(stub).WithBus(bus).Run(context.Background(), &provider.Request{
			Messages: []types.Message{types.UserMessage("hello")},
		}, nil, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(deltas).To(Equal([]string{"Hi."}))
		Expect(done).NotTo(BeNil())
		Expect(done.Content).To(Equal("Hi."))
		Expect(done.Rounds).To(Equal(1))
	})
})
