// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/gomlx/cliques/pkg/support/sets"
	"github.com/gomlx/exceptions"
)

// CliqueKey names a communication group (a "clique") of devices.
//
// It is made of the set of devices participating, the StreamID the collectives are executed on (and its
// AsyncStreamKind), and the participant groups: the full list of device groupings this clique was carved from.
//
// CliqueKey is an immutable value: it can be freely copied, and the slices returned by its accessors are copies.
//
// Two keys are equal (see Equal) if they have the same set of devices (order and duplicates are irrelevant),
// the same StreamID and the same participant groups. The participant groups matter when communicators are
// split: a clique [0,1] created directly and a clique [0,1] split from [0,1,2,3] are different cache entries,
// otherwise ranks 0 and 1 could reuse the old communicator while ranks 2 and 3 wait forever for them to join
// the split.
//
// The zero value is not a valid key, use NewCliqueKey or MakeCliqueKey.
type CliqueKey struct {
	// devices as given by the user, deduplicated, used for display only.
	devices []GlobalDeviceID

	// sortedDevices is the canonical (sorted, unique) set of devices.
	sortedDevices []GlobalDeviceID

	streamID   StreamID
	streamKind AsyncStreamKind

	// participantGroups is the lineage of the clique: each group is stored sorted and unique, the order of the
	// groups is preserved.
	participantGroups [][]GlobalDeviceID
}

// NewCliqueKey creates a key for the given devices, on the synchronous stream (SyncStreamID), with
// AsyncStreamKindCollective and no participant groups.
//
// It panics if devices is empty: that is a bug in the caller, not a recoverable condition.
func NewCliqueKey(devices ...GlobalDeviceID) CliqueKey {
	return MakeCliqueKey(devices, SyncStreamID, AsyncStreamKindCollective, nil)
}

// MakeCliqueKey creates a fully specified CliqueKey. The slices are copied.
//
// It panics if devices is empty: that is a bug in the caller, not a recoverable condition.
func MakeCliqueKey(devices []GlobalDeviceID, streamID StreamID, streamKind AsyncStreamKind,
	participantGroups [][]GlobalDeviceID) CliqueKey {
	if len(devices) == 0 {
		exceptions.Panicf("distributed.MakeCliqueKey(): a clique requires at least one device")
	}
	k := CliqueKey{
		devices:       make([]GlobalDeviceID, 0, len(devices)),
		sortedDevices: sets.SortedUnique(devices),
		streamID:      streamID,
		streamKind:    streamKind,
	}
	seen := sets.Make[GlobalDeviceID](len(devices))
	for _, device := range devices {
		if !seen.Has(device) {
			seen.Insert(device)
			k.devices = append(k.devices, device)
		}
	}
	k.participantGroups = canonicalGroups(participantGroups)
	return k
}

func canonicalGroups(groups [][]GlobalDeviceID) [][]GlobalDeviceID {
	if len(groups) == 0 {
		return nil
	}
	canonical := make([][]GlobalDeviceID, len(groups))
	for i, group := range groups {
		canonical[i] = sets.SortedUnique(group)
	}
	return canonical
}

// WithStream returns a copy of the key with the given stream id and kind.
func (k CliqueKey) WithStream(streamID StreamID, streamKind AsyncStreamKind) CliqueKey {
	k.mustBeValid("WithStream")
	return MakeCliqueKey(k.devices, streamID, streamKind, k.participantGroups)
}

// WithParticipantGroups returns a copy of the key with the given participant groups (lineage).
func (k CliqueKey) WithParticipantGroups(participantGroups [][]GlobalDeviceID) CliqueKey {
	k.mustBeValid("WithParticipantGroups")
	return MakeCliqueKey(k.devices, k.streamID, k.streamKind, participantGroups)
}

func (k CliqueKey) mustBeValid(method string) {
	if !k.IsValid() {
		exceptions.Panicf("CliqueKey.%s() called on an invalid (zero value) key", method)
	}
}

// IsValid returns whether the key was properly constructed (it has at least one device).
func (k CliqueKey) IsValid() bool {
	return len(k.sortedDevices) > 0
}

// Devices returns the devices of the clique, in the order they were given at construction.
func (k CliqueKey) Devices() []GlobalDeviceID {
	return slices.Clone(k.devices)
}

// SortedDevices returns the devices of the clique in ascending order. The rank of a device in the clique
// is its index in this list.
func (k CliqueKey) SortedDevices() []GlobalDeviceID {
	return slices.Clone(k.sortedDevices)
}

// NumDevices returns the number of (unique) devices in the clique.
func (k CliqueKey) NumDevices() int {
	return len(k.sortedDevices)
}

// StreamID returns the stream the clique collectives run on.
func (k CliqueKey) StreamID() StreamID {
	return k.streamID
}

// StreamKind returns the kind of stream, used to configure the collectives issued on this clique.
func (k CliqueKey) StreamKind() AsyncStreamKind {
	return k.streamKind
}

// ParticipantGroups returns a copy of the lineage of the clique.
func (k CliqueKey) ParticipantGroups() [][]GlobalDeviceID {
	if len(k.participantGroups) == 0 {
		return nil
	}
	groups := make([][]GlobalDeviceID, len(k.participantGroups))
	for i, group := range k.participantGroups {
		groups[i] = slices.Clone(group)
	}
	return groups
}

// HasParticipantGroup returns whether the lineage of the clique contains a group with exactly the given devices.
func (k CliqueKey) HasParticipantGroup(devices []GlobalDeviceID) bool {
	group := sets.SortedUnique(devices)
	return slices.ContainsFunc(k.participantGroups, func(g []GlobalDeviceID) bool {
		return slices.Equal(g, group)
	})
}

// Rank returns the rank of the device in the clique: its position in SortedDevices.
// It returns false if the device is not part of the clique.
func (k CliqueKey) Rank(device GlobalDeviceID) (int, bool) {
	return slices.BinarySearch(k.sortedDevices, device)
}

// Has returns whether the device is part of the clique.
func (k CliqueKey) Has(device GlobalDeviceID) bool {
	_, found := k.Rank(device)
	return found
}

// IsSubsetOf returns whether both keys have the same StreamID and every device of k is also in other.
//
// The participant groups are not considered: it's a structural relationship about the current membership,
// used to decide whether an existing clique can serve (or be split into) a smaller one.
func (k CliqueKey) IsSubsetOf(other CliqueKey) bool {
	if !k.IsValid() || !other.IsValid() || k.streamID != other.streamID {
		return false
	}
	return sets.MakeWith(k.sortedDevices...).IsSubsetOf(sets.MakeWith(other.sortedDevices...))
}

// Equal returns whether both keys name the same clique: same set of devices, same StreamID and same
// participant groups.
func (k CliqueKey) Equal(other CliqueKey) bool {
	return k.Compare(other) == 0
}

// Compare defines a total order over keys: first the sorted devices (lexicographically), then the StreamID,
// and finally the participant groups, so that Compare(a, b) == 0 iff a.Equal(b).
//
// This is the order in which cliques are acquired, which must be the same on every rank.
func (k CliqueKey) Compare(other CliqueKey) int {
	if c := slices.Compare(k.sortedDevices, other.sortedDevices); c != 0 {
		return c
	}
	if c := cmp.Compare(k.streamID, other.streamID); c != 0 {
		return c
	}
	return slices.CompareFunc(k.participantGroups, other.participantGroups,
		func(a, b []GlobalDeviceID) int { return slices.Compare(a, b) })
}

// Less returns whether k comes strictly before other, see Compare.
func (k CliqueKey) Less(other CliqueKey) bool {
	return k.Compare(other) < 0
}

// Fingerprint returns a canonical string encoding of the key, suitable as a map key: two keys have the
// same fingerprint iff they are Equal.
//
// The stream kind is not part of it, since it is already encoded in the StreamID.
func (k CliqueKey) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(DevicesString(k.sortedDevices))
	_, _ = fmt.Fprintf(&sb, "/%d/", k.streamID)
	writeGroups(&sb, k.participantGroups)
	return sb.String()
}

// Hash returns a hash of the key consistent with Equal.
func (k CliqueKey) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Fingerprint()))
	return h.Sum64()
}

// String implements fmt.Stringer, for logging and debugging.
//
// Example: "devices=[0,1]; stream=2 (P2P0); groups=[[0,1,2,3],[0,1]]".
func (k CliqueKey) String() string {
	if !k.IsValid() {
		return "devices=[]; invalid"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "devices=%s; stream=%d", DevicesString(k.devices), k.streamID)
	if k.streamID.IsAsync() {
		_, _ = fmt.Fprintf(&sb, " (%s)", k.streamKind)
	}
	if len(k.participantGroups) > 0 {
		sb.WriteString("; groups=")
		writeGroups(&sb, k.participantGroups)
	}
	return sb.String()
}

func writeGroups(sb *strings.Builder, groups [][]GlobalDeviceID) {
	sb.WriteByte('[')
	for i, group := range groups {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(DevicesString(group))
	}
	sb.WriteByte(']')
}

// SortCliqueKeys sorts the keys in place according to CliqueKey.Compare.
func SortCliqueKeys(keys []CliqueKey) {
	slices.SortFunc(keys, CliqueKey.Compare)
}
