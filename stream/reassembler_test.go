package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll feeds the chunks in order and returns every line, including what End resolves.
func feedAll(t *testing.T, chunks ...[]byte) []string {
	t.Helper()
	var r Reassembler
	var lines []string
	for _, c := range chunks {
		for _, l := range r.Feed(c) {
			lines = append(lines, string(l))
		}
	}
	last, err := r.End()
	require.NoError(t, err)
	if last != nil {
		lines = append(lines, string(last))
	}
	return lines
}

func splitAt(b []byte, points ...int) [][]byte {
	var chunks [][]byte
	prev := 0
	for _, p := range points {
		chunks = append(chunks, b[prev:p])
		prev = p
	}
	return append(chunks, b[prev:])
}

func TestReassemblerChunkBoundaryInvariance(t *testing.T) {
	streams := []string{
		`{"type":"info","data":"a"}` + "\n" + `{"type":"info","data":"b"}` + "\n",
		`{"type":"event","data":{"eventName":"item.start","id":7}}` + "\n" + `{"type":"error","data":["x",{"y":1}]}` + "\n",
		`{"type":"info","data":"héllo wörld"}` + "\r\n" + `{"type":"success","data":"ok"}` + "\n",
	}
	for _, s := range streams {
		b := []byte(s)
		whole := feedAll(t, b)
		require.Len(t, whole, 2)

		t.Run("every byte", func(t *testing.T) {
			var chunks [][]byte
			for i := range b {
				chunks = append(chunks, b[i:i+1])
			}
			assert.Equal(t, whole, feedAll(t, chunks...))
		})

		t.Run("every pair of split points", func(t *testing.T) {
			for i := 0; i <= len(b); i++ {
				for j := i; j <= len(b); j++ {
					assert.Equal(t, whole, feedAll(t, splitAt(b, i, j)...), "split at %d and %d", i, j)
				}
			}
		})
	}
}

func TestReassemblerDecodesSameSequence(t *testing.T) {
	b := []byte(`{"type":"info","data":"a"}` + "\n" + `{"type":"info","data":"b"}` + "\n")
	for _, points := range [][]int{{5}, {12}, {5, 12}} {
		var r Reassembler
		var texts []string
		for _, c := range splitAt(b, points...) {
			for _, l := range r.Feed(c) {
				msg, err := Decode(l)
				require.NoError(t, err)
				texts = append(texts, string(msg.EnvelopeType())+":"+msg.(Log).Text())
			}
		}
		assert.Equal(t, []string{"info:a", "info:b"}, texts, "split at %v", points)
	}
}

func TestReassemblerWithholdsPartialLine(t *testing.T) {
	var r Reassembler

	lines := r.Feed([]byte(`{"type":"info","d`))
	assert.Empty(t, lines)
	assert.Equal(t, len(`{"type":"info","d`), r.Pending())

	lines = r.Feed([]byte(`ata":"hello"}` + "\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, 0, r.Pending())

	msg, err := Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, Log{Level: TypeInfo, Parts: []any{"hello"}}, msg)
}

func TestReassemblerMalformedLineStaysSeparate(t *testing.T) {
	lines := feedAll(t, []byte("{not json\n"+`{"type":"info","data":"b"}`+"\n"))
	require.Len(t, lines, 2)

	_, err := Decode([]byte(lines[0]))
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err := Decode([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, "b", msg.(Log).Text())
}

func TestReassemblerNewlineEndsLine(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		exp    []string
	}{
		{
			name:   "line without closing brace",
			chunks: []string{`{"type":"info","data":"a"` + "\n" + `{"type":"info","data":"b"}` + "\n"},
			exp:    []string{`{"type":"info","data":"a"`, `{"type":"info","data":"b"}`},
		},
		{
			name:   "split after an unbalanced line",
			chunks: []string{`{"type":"info","data":"a"` + "\n", `{"type":"info",`, `"data":"b"}` + "\n"},
			exp:    []string{`{"type":"info","data":"a"`, `{"type":"info","data":"b"}`},
		},
		{
			name:   "plain text",
			chunks: []string{"not json\n", "still not\n"},
			exp:    []string{"not json", "still not"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var chunks [][]byte
			for _, ch := range c.chunks {
				chunks = append(chunks, []byte(ch))
			}
			assert.Equal(t, c.exp, feedAll(t, chunks...))
		})
	}
}

func TestReassemblerDoesNotAliasChunk(t *testing.T) {
	var r Reassembler
	chunk := []byte(`{"a":1}` + "\n")
	lines := r.Feed(chunk)
	copy(chunk, bytes.Repeat([]byte("x"), len(chunk)))
	assert.Equal(t, `{"a":1}`, string(lines[0]))
}

func TestReassemblerEnd(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		expLine string
		expErr  error
	}{
		{name: "nothing withheld", input: `{"a":1}` + "\n"},
		{name: "only whitespace withheld", input: `{"a":1}` + "\n  "},
		{name: "final line without newline", input: `{"type":"info","data":"x"}`, expLine: `{"type":"info","data":"x"}`},
		{name: "truncated object", input: `{"type":"info","da`, expErr: ErrTruncated},
		{name: "top-level array is never complete", input: `["a"]`, expErr: ErrTruncated},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var r Reassembler
			r.Feed([]byte(c.input))
			line, err := r.End()
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				assert.Nil(t, line)
				return
			}
			require.NoError(t, err)
			if c.expLine == "" {
				assert.Nil(t, line)
			} else {
				assert.Equal(t, c.expLine, string(line))
			}
			assert.Equal(t, 0, r.Pending())
		})
	}
}
