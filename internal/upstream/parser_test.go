package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_WholeChunk(t *testing.T) {
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	done, err := p.Feed([]byte(`[{"a":1},{"b":2}]`))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, objs)
}

// TestParser_ByteAtATime feeds the stream one byte at a time, including a
// quoted string that itself contains brace-like characters, to verify the
// state machine tracks string context rather than naive brace counting.
func TestParser_ByteAtATime(t *testing.T) {
	input := `[{"a":"x},{"} ,  ` + "\r\n" + ` {"b":2}]`
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	var done bool
	var err error
	for i := 0; i < len(input); i++ {
		done, err = p.Feed([]byte{input[i]})
		require.NoError(t, err)
		if done {
			break
		}
	}

	assert.True(t, done)
	assert.Equal(t, []string{`{"a":"x},{"}`, `{"b":2}`}, objs)
}

func TestParser_SplitAcrossEscapeBoundary(t *testing.T) {
	// The backslash and the escaped quote land in separate Feed calls.
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	_, err := p.Feed([]byte(`[{"t":"a\`))
	require.NoError(t, err)
	_, err = p.Feed([]byte(`"b"}]`))
	require.NoError(t, err)

	require.Len(t, objs, 1)
	assert.Equal(t, `{"t":"a\"b"}`, objs[0])
}

func TestParser_WhitespaceAndCommasBetweenObjects(t *testing.T) {
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	done, err := p.Feed([]byte("[ \n\t{\"x\":1} , \r\n {\"y\":2} ]"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{`{"x":1}`, `{"y":2}`}, objs)
}

func TestParser_EmptyArray(t *testing.T) {
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	done, err := p.Feed([]byte(`[]`))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, objs)
}

func TestParser_ClosedIsNoOp(t *testing.T) {
	p := NewParser(func(obj []byte) {})
	done, err := p.Feed([]byte(`[{"a":1}]`))
	require.NoError(t, err)
	require.True(t, done)

	done, err = p.Feed([]byte(`{"ignored":true}]`))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestParser_Reset(t *testing.T) {
	var objs []string
	p := NewParser(func(obj []byte) { objs = append(objs, string(obj)) })

	done, err := p.Feed([]byte(`[{"a":1}]`))
	require.NoError(t, err)
	require.True(t, done)

	p.Reset()
	objs = nil

	done, err = p.Feed([]byte(`[{"b":2}]`))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{`{"b":2}`}, objs)
}
