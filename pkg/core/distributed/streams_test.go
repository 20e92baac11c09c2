// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	. "github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStreamID(t *testing.T) {
	// Synchronous collectives always get the stream 0.
	for _, kind := range AsyncStreamKindValues() {
		assert.Equal(t, SyncStreamID, GetStreamID(false, kind), "kind=%s", kind)
	}

	// Asynchronous ones are injective, non-zero and preserve the order of the kinds.
	seen := sets.Make[StreamID]()
	var previous StreamID
	for _, kind := range AsyncStreamKindValues() {
		id := GetStreamID(true, kind)
		assert.NotEqual(t, SyncStreamID, id)
		assert.True(t, id.IsAsync())
		assert.False(t, seen.Has(id), "stream id %d repeated for kind %s", id, kind)
		seen.Insert(id)
		assert.Greater(t, id, previous)
		previous = id
	}
	assert.Len(t, seen, AsyncStreamKindCount)
	assert.Equal(t, []StreamID{1, 2, 3, 4}, sets.Sorted(seen))
	assert.False(t, SyncStreamID.IsAsync())
}

func TestGetStreamIDScenarios(t *testing.T) {
	key := NewCliqueKey(0, 1).WithStream(GetStreamID(false, AsyncStreamKindCollective), AsyncStreamKindCollective)
	assert.Equal(t, StreamID(0), key.StreamID())

	key = NewCliqueKey(0, 1).WithStream(GetStreamID(true, AsyncStreamKindP2P0), AsyncStreamKindP2P0)
	assert.Equal(t, StreamID(2), key.StreamID())
}

func TestAsyncStreamKind(t *testing.T) {
	assert.Equal(t, 4, AsyncStreamKindCount)
	assert.Equal(t, AsyncStreamKindCount, len(AsyncStreamKindValues()))
	for i, kind := range AsyncStreamKindValues() {
		assert.Equal(t, AsyncStreamKind(i), kind, "values must be contiguous starting at 0")
	}
	assert.Equal(t, "MemCpyP2P", AsyncStreamKindMemCpyP2P.String())

	var kind AsyncStreamKind
	require.NoError(t, kind.UnmarshalText([]byte("p2p1")))
	assert.Equal(t, AsyncStreamKindP2P1, kind)
	require.Error(t, kind.UnmarshalText([]byte("p2p7")))
}
