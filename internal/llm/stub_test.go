package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub_Echo(t *testing.T) {
	s := NewStub()
	text, err := s.Complete(context.Background(), []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Echo: second", text)
	assert.Len(t, s.Calls(), 1)
}

func TestStub_ScriptRepeatsLast(t *testing.T) {
	s := NewScripted(StubReply{Text: "one"}, StubReply{Text: "two"})
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		got, err := s.Complete(ctx, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStub_ScriptedError(t *testing.T) {
	s := NewScripted(StubReply{Err: errors.New("down")})
	_, err := s.Complete(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProvider))
}

func TestStub_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStub().Complete(ctx, []Message{{Role: RoleUser, Content: "x"}}, Options{})
	assert.True(t, errors.Is(err, context.Canceled))
}
