// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

// AsyncStreamKind enumerates the execution lanes (streams) collective operations can be issued on.
//
// Communicators are never shared across different kinds of collectives (synchronous, asynchronous,
// point-to-point), since that can create a cross-lane wait cycle and dead-lock the cluster. Each lane gets
// its own StreamID, and the StreamID is part of the CliqueKey.
type AsyncStreamKind int64

//go:generate go tool enumer -type AsyncStreamKind -trimprefix=AsyncStreamKind -text -output=gen_asyncstreamkind_enumer.go streams.go

const (
	// AsyncStreamKindCollective is the stream for asynchronous collective operations.
	AsyncStreamKindCollective AsyncStreamKind = iota

	// AsyncStreamKindP2P0 is one of the streams for point-to-point Send and Recv operations.
	AsyncStreamKindP2P0

	// AsyncStreamKindP2P1 is the other stream for point-to-point Send and Recv operations.
	AsyncStreamKindP2P1

	// AsyncStreamKindMemCpyP2P is the stream for peer-to-peer memory copies.
	AsyncStreamKindMemCpyP2P
)

// AsyncStreamKindCount is the number of AsyncStreamKind values. The values are contiguous starting at 0,
// so it can be used to size per-lane tables.
const AsyncStreamKindCount = int(AsyncStreamKindMemCpyP2P) + 1

// StreamID identifies the stream a collective is executed on, see GetStreamID.
type StreamID uint64

// SyncStreamID is the StreamID of all synchronous collectives.
const SyncStreamID StreamID = 0

// GetStreamID returns the StreamID for a synchronous (isAsync=false) or asynchronous collective.
//
// Synchronous collectives block the whole device and always get SyncStreamID, `kind` is ignored.
// Asynchronous collectives get `kind+1`, so they never collide with the synchronous stream, and each lane
// gets a different id. There are exactly AsyncStreamKindCount+1 different StreamID values.
func GetStreamID(isAsync bool, kind AsyncStreamKind) StreamID {
	if !isAsync {
		return SyncStreamID
	}
	return StreamID(kind) + 1
}

// IsAsync returns whether the stream id is one of the asynchronous lanes.
func (id StreamID) IsAsync() bool {
	return id != SyncStreamID
}
