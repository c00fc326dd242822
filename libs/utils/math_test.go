package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinMaxInt64(t *testing.T) {
	assert.EqualValues(t, -1, MinInt64())
	assert.EqualValues(t, -1, MaxInt64())
	assert.EqualValues(t, -3, MinInt64(4, -3, 7))
	assert.EqualValues(t, 7, MaxInt64(4, -3, 7))
}

func TestMinInt64WithIndex(t *testing.T) {
	v, i := MinInt64WithIndex(5, 2, 2, 9)
	assert.EqualValues(t, 2, v)
	// 并列最小取第一个
	assert.Equal(t, 1, i)

	v, i = MinInt64WithIndex()
	assert.EqualValues(t, -1, v)
	assert.Equal(t, -1, i)
}
