package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	cases := []struct {
		name    string
		src     Source
		input   string
		expLine string
	}{
		{
			name:    "stdout is info",
			src:     SourceStdout,
			input:   "hello",
			expLine: `{"type":"info","data":"hello"}`,
		},
		{
			name:    "stderr is error",
			src:     SourceStderr,
			input:   "boom",
			expLine: `{"type":"error","data":"boom"}`,
		},
		{
			name:    "tagged message is unwrapped",
			src:     SourceMessage,
			input:   `{"type":"event","data":{"eventName":"run.progress","done":3}}`,
			expLine: `{"type":"event","data":{"eventName":"run.progress","done":3}}`,
		},
		{
			name:    "tagged message without data",
			src:     SourceMessage,
			input:   `{"type":"success"}`,
			expLine: `{"type":"success","data":null}`,
		},
		{
			name:    "untagged object is data",
			src:     SourceMessage,
			input:   `{"progress": 0.5}`,
			expLine: `{"type":"data","data":{"progress":0.5}}`,
		},
		{
			name:    "non-string tag is data",
			src:     SourceMessage,
			input:   `{"type":1}`,
			expLine: `{"type":"data","data":{"type":1}}`,
		},
		{
			name:    "array is data",
			src:     SourceMessage,
			input:   `[1,2]`,
			expLine: `{"type":"data","data":[1,2]}`,
		},
		{
			name:    "non-JSON message is a data string",
			src:     SourceMessage,
			input:   `not json`,
			expLine: `{"type":"data","data":"not json"}`,
		},
		{
			name:    "pretty-printed message is compacted",
			src:     SourceMessage,
			input:   "{\n  \"type\": \"image\",\n  \"data\": \"aGk=\"\n}",
			expLine: `{"type":"image","data":"aGk="}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Frame(c.src, []byte(c.input)).MarshalLine()
			require.NoError(t, err)
			assert.Equal(t, c.expLine+"\n", string(b))
			assert.Equal(t, 1, bytes.Count(b, []byte("\n")))
		})
	}
}

func TestMarshalLineEscapesNewlines(t *testing.T) {
	b, err := Text(TypeInfo, "line one\nline two").MarshalLine()
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(b, []byte("\n")))

	var r Reassembler
	lines := r.Feed(b)
	require.Len(t, lines, 1)
	msg, err := Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", msg.(Log).Text())
}

func TestMarshalLineNilData(t *testing.T) {
	b, err := Envelope{Type: TypeDebug}.MarshalLine()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"debug","data":null}`+"\n", string(b))
}
