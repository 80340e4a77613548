package llm

import (
	"context"
	"sync"
)

// Call is one recorded Complete invocation.
type Call struct {
	Messages []Message
	Options  Options
}

// Stub is a deterministic Provider. With a Script it replays replies in
// order and then repeats the last one; with neither Script nor Func it echoes
// the last user message.
type Stub struct {
	Script []StubReply
	Func   func(ctx context.Context, messages []Message, opts Options) (string, error)

	mu    sync.Mutex
	next  int
	calls []Call
}

type StubReply struct {
	Text string
	Err  error
}

func NewStub() *Stub {
	return &Stub{}
}

func NewScripted(replies ...StubReply) *Stub {
	return &Stub{Script: replies}
}

func (s *Stub) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	s.mu.Lock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	s.calls = append(s.calls, Call{Messages: copied, Options: opts})

	var reply *StubReply
	if len(s.Script) > 0 {
		idx := s.next
		if idx >= len(s.Script) {
			idx = len(s.Script) - 1
		} else {
			s.next++
		}
		r := s.Script[idx]
		reply = &r
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", providerError(err, "stub complete")
	}
	if reply != nil {
		if reply.Err != nil {
			return "", providerError(reply.Err, "stub complete")
		}
		return reply.Text, nil
	}
	if s.Func != nil {
		text, err := s.Func(ctx, messages, opts)
		if err != nil {
			return "", providerError(err, "stub complete")
		}
		return text, nil
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return "Echo: " + messages[i].Content, nil
		}
	}
	return "Echo:", nil
}

func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
