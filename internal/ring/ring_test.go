package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_DiscardsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-2", "line-3", "line-4"}, b.Lines())
}

func TestBuffer_LinesReturnsCopy(t *testing.T) {
	b := New(3)
	b.Append("a")
	got := b.Lines()
	got[0] = "mutated"
	assert.Equal(t, []string{"a"}, b.Lines())
}
