package ollama

import (
	"bufio"
	"bytes"
	"io"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/transport"
)

// lineDecoder reads one JSON object per line. A malformed line or an
// error object ends the stream.
type lineDecoder struct {
	op   string
	resp *transport.Response
	sc   *bufio.Scanner
}

func newLineDecoder(op string, resp *transport.Response) *lineDecoder {
	return &lineDecoder{op: op, resp: resp, sc: resp.Lines()}
}

func (d *lineDecoder) Next() (llm.Chunk, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var r Response
		if err := transport.Unmarshal(line, &r); err != nil {
			return llm.Chunk{}, &llm.Error{
				Kind:    llm.KindProtocol,
				Backend: backendName,
				Op:      d.op,
				Message: "malformed stream line",
				Body:    string(line),
				Err:     err,
			}
		}
		if r.Error != "" {
			return llm.Chunk{}, llm.WithContext(lineError(r.Error), backendName, d.op)
		}

		text, thinking := r.content()
		chunk := llm.Chunk{Text: text, Reasoning: thinking}
		if r.Done {
			chunk.Done = true
			chunk.Result = r.result()
		}
		return chunk, nil
	}

	if err := d.resp.Context().Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(transport.Classify(err), backendName, d.op)
	}
	if err := d.sc.Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(transport.Classify(err), backendName, d.op)
	}
	return llm.Chunk{}, io.EOF
}

func (d *lineDecoder) Close() error {
	return d.resp.Close()
}
