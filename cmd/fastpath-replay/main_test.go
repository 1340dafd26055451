package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

func TestParseQueueList(t *testing.T) {
	qs, err := parseQueueList(" 1, 5,,127 ")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 5, 127}, qs)

	qs, err = parseQueueList("")
	require.NoError(t, err)
	assert.Nil(t, qs)

	_, err = parseQueueList("128")
	assert.ErrorIs(t, err, classifier.ErrQueueOutOfRange)

	_, err = parseQueueList("x")
	assert.Error(t, err)
}
