package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAssemblesResult(t *testing.T) {
	dec := &SliceDecoder{Chunks: []Chunk{
		{Reasoning: "plan"},
		{Text: "Hel"},
		{Text: "lo"},
		{Done: true, Result: &GenerationResult{Model: "m", FinishReason: "stop"}},
	}}
	s := NewStream(dec, nil)

	var seen []Chunk
	res, err := CollectFunc(s, func(c Chunk) { seen = append(seen, c) })
	require.NoError(t, err)
	require.Len(t, seen, 4)
	assert.True(t, seen[3].Done)

	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "plan", res.Reasoning)
	assert.Equal(t, "m", res.Model)
	assert.Equal(t, "stop", res.FinishReason)
	assert.True(t, dec.Closed())

	assert.False(t, s.Next(), "stream is finished")
	assert.Same(t, res, s.Result())
}

func TestStreamTerminalWithoutResult(t *testing.T) {
	s := NewStream(&SliceDecoder{Chunks: []Chunk{{Text: "a"}, {Text: "b", Done: true}}}, nil)
	res, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Text)
}

func TestStreamFinishHook(t *testing.T) {
	s := NewStream(&SliceDecoder{Chunks: []Chunk{
		{Text: "<think>x</think>"},
		{Text: "y", Done: true},
	}}, ApplyReasoningFallback)
	var raw string
	res, err := CollectFunc(s, func(c Chunk) { raw += c.Text })
	require.NoError(t, err)
	assert.Equal(t, "y", res.Text)
	assert.Equal(t, "x", res.Reasoning)
	assert.Equal(t, "<think>x</think>y", raw, "chunks keep the raw text")
}

func TestStreamEndsEarly(t *testing.T) {
	dec := &SliceDecoder{Chunks: []Chunk{{Text: "par"}, {Text: "tial"}}}
	res, err := Collect(NewStream(dec, nil))
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
	assert.Equal(t, "partial", res.Text)
	assert.True(t, dec.Closed())
}

func TestStreamDecoderError(t *testing.T) {
	boom := &Error{Kind: KindConnection, Message: "connection lost"}
	dec := &SliceDecoder{Chunks: []Chunk{{Text: "a"}}, Err: boom}
	s := NewStream(dec, nil)

	require.True(t, s.Next())
	assert.Equal(t, "a", s.Current().Text)
	require.False(t, s.Next())
	assert.True(t, errors.Is(s.Err(), ErrConnection))
	assert.Equal(t, "a", s.Result().Text)
	assert.False(t, s.Next(), "a failed stream cannot resume")
}

func TestStreamCancelledHasNoResult(t *testing.T) {
	cancelled := &Error{Kind: KindTimeout, Op: "chat", Err: context.Canceled}
	dec := &SliceDecoder{Chunks: []Chunk{{Text: "par"}}, Err: cancelled}

	var seen []string
	res, err := CollectFunc(NewStream(dec, nil), func(c Chunk) { seen = append(seen, c.Text) })
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Nil(t, res)
	assert.Equal(t, []string{"par"}, seen)
	assert.True(t, dec.Closed())
}

func TestStreamCloseIdempotent(t *testing.T) {
	dec := &SliceDecoder{}
	s := NewStream(dec, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.True(t, dec.Closed())
}
