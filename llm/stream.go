package llm

import (
	"errors"
	"io"
	"strings"
	"sync"
)

// Chunk is one unit of streamed output.
// The terminal chunk has Done set and carries the assembled Result.
type Chunk struct {
	Text      string
	Reasoning string
	Done      bool
	Result    *GenerationResult
}

// Decoder yields chunks from a single response body.
// Next returns io.EOF once the body is exhausted.
type Decoder interface {
	Next() (Chunk, error)
	Close() error
}

// Stream is a finite, pull-based sequence of chunks for one call.
// It is read by a single consumer; chunks are returned in arrival order.
// Streams cannot be resumed once they fail; issue a new call instead.
type Stream struct {
	dec    Decoder
	finish func(*GenerationResult)

	cur       Chunk
	err       error
	done      bool
	text      strings.Builder
	reasoning strings.Builder
	result    *GenerationResult

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps dec. finish, when non-nil, post-processes the final result.
func NewStream(dec Decoder, finish func(*GenerationResult)) *Stream {
	return &Stream{dec: dec, finish: finish}
}

// Next advances to the next chunk. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	chunk, err := s.dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.err = Protocolf("stream", "stream ended before the terminal chunk")
		} else {
			s.err = err
		}
		s.Close()
		return false
	}

	s.text.WriteString(chunk.Text)
	s.reasoning.WriteString(chunk.Reasoning)

	if chunk.Done {
		res := chunk.Result
		if res == nil {
			res = &GenerationResult{}
		}
		res.Text = s.text.String()
		if res.Reasoning == "" {
			res.Reasoning = s.reasoning.String()
		}
		if s.finish != nil {
			s.finish(res)
		}
		chunk.Result = res
		s.result = res
		s.done = true
		s.Close()
	}

	s.cur = chunk
	return true
}

// Current returns the chunk produced by the last successful Next.
func (s *Stream) Current() Chunk {
	return s.cur
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Result returns the final result after the terminal chunk, or the
// partial output accumulated so far otherwise. A stream ended by
// cancellation or deadline has no result; the chunks already delivered
// remain the caller's.
func (s *Stream) Result() *GenerationResult {
	if s.result != nil {
		return s.result
	}
	if IsTimeout(s.err) {
		return nil
	}
	return &GenerationResult{Text: s.text.String(), Reasoning: s.reasoning.String()}
}

// Close releases the underlying response. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.dec.Close()
	})
	return s.closeErr
}

// Collect drains s and returns the final result. When the stream fails
// part-way, the partial result is returned together with the error,
// except after cancellation or deadline expiry, which return nil.
func Collect(s *Stream) (*GenerationResult, error) {
	return CollectFunc(s, nil)
}

// CollectFunc is Collect with a callback invoked for every chunk in order.
func CollectFunc(s *Stream, onChunk func(Chunk)) (*GenerationResult, error) {
	defer s.Close()
	for s.Next() {
		if onChunk != nil {
			onChunk(s.Current())
		}
	}
	return s.Result(), s.Err()
}

// SliceDecoder replays a fixed chunk sequence. It is mainly useful in tests
// and for backends that answer a streaming call with a single response.
type SliceDecoder struct {
	Chunks []Chunk
	Err    error // returned after the chunks, instead of io.EOF, when set
	pos    int
	closed bool
}

// Next implements Decoder.
func (d *SliceDecoder) Next() (Chunk, error) {
	if d.pos >= len(d.Chunks) {
		if d.Err != nil {
			return Chunk{}, d.Err
		}
		return Chunk{}, io.EOF
	}
	c := d.Chunks[d.pos]
	d.pos++
	return c, nil
}

// Close implements Decoder.
func (d *SliceDecoder) Close() error {
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *SliceDecoder) Closed() bool {
	return d.closed
}
