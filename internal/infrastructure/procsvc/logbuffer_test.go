package procsvc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBuffer_TailOrder(t *testing.T) {
	var b outputBuffer
	b.Append("one")
	b.Append("two")
	b.Append("three")

	assert.Equal(t, []string{"three", "two", "one"}, b.Tail(0))
	assert.Equal(t, []string{"three", "two"}, b.Tail(2))
}

func TestOutputBuffer_WrapAround(t *testing.T) {
	var b outputBuffer
	for i := 0; i < 550; i++ {
		b.Append(fmt.Sprintf("line-%d", i))
	}

	tail := b.Tail(3)
	assert.Equal(t, []string{"line-549", "line-548", "line-547"}, tail)
	assert.Len(t, b.Tail(0), 500)
}

func TestLineWriter_SplitsOnChunkBoundaries(t *testing.T) {
	var b outputBuffer
	w := newLineWriter(&b)

	n, err := w.Write([]byte("hello wo"))
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Nil(t, b.Tail(0), "partial line must not be appended yet")

	_, err = w.Write([]byte("rld\nsecond line\nthird-partial"))
	assert.NoError(t, err)

	assert.Equal(t, []string{"second line", "hello world"}, b.Tail(0))
}
