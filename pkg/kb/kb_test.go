// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kb

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAllocatesMonotonicTokens(t *testing.T) {
	base := New("run-1", nil)

	for i := 1; i <= 5; i++ {
		item, err := base.Add(AddRequest{
			ItemType: "note",
			Content:  fmt.Sprintf("content %d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("<#CGKB-%05d>", i), item.Token())
	}
	assert.Equal(t, 5, base.Len())
}

func TestAddDeduplicatesByHash(t *testing.T) {
	base := New("run-1", nil)

	first, err := base.Add(AddRequest{ItemType: "note", Content: "same content", ToolCallID: "call-a"})
	require.NoError(t, err)
	second, err := base.Add(AddRequest{ItemType: "note", Content: "same content", ToolCallID: "call-b"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, []string{"call-a", "call-b"}, second.Metadata["contributing_tool_call_ids"])

	// Re-adding from an already known call must not duplicate the id.
	third, err := base.Add(AddRequest{ItemType: "note", Content: "same content", ToolCallID: "call-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"call-a", "call-b"}, third.Metadata["contributing_tool_call_ids"])
}

func TestAddSameURINewContentUpdatesInPlace(t *testing.T) {
	base := New("run-1", nil)

	first, err := base.Add(AddRequest{ItemType: "file", SourceURI: "file:///a.txt", Content: "v1"})
	require.NoError(t, err)
	token := first.Token()

	second, err := base.Add(AddRequest{ItemType: "file", SourceURI: "file:///a.txt", Content: "v2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "v2", second.Content)
	assert.Equal(t, token, second.Token(), "token survives in-place updates")
	assert.Equal(t, 1, base.Len())

	// The stale hash index entry is gone: re-adding the old content inserts
	// a fresh item instead of resurrecting the overwritten one.
	third, err := base.Add(AddRequest{ItemType: "file", Content: "v1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, base.Len())
}

func TestAddHashMatchAttachesURI(t *testing.T) {
	base := New("run-1", nil)

	first, err := base.Add(AddRequest{ItemType: "note", Content: "shared"})
	require.NoError(t, err)
	assert.Empty(t, first.SourceURI)

	second, err := base.Add(AddRequest{ItemType: "note", Content: "shared", SourceURI: "mem://x"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "mem://x", second.SourceURI)

	// The URI index now routes to the same item.
	third, err := base.Add(AddRequest{ItemType: "note", Content: "shared", SourceURI: "mem://x"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
}

func TestHashContentIsOrderIndependent(t *testing.T) {
	a, err := HashContent(map[string]any{"x": 1, "y": "two", "z": []any{1, 2}})
	require.NoError(t, err)
	b, err := HashContent(map[string]any{"z": []any{1, 2}, "y": "two", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HashContent(map[string]any{"x": 2, "y": "two", "z": []any{1, 2}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStoreWithTokenRoundTrip(t *testing.T) {
	base := New("run-1", nil)

	token, err := base.StoreWithToken("a large payload body", map[string]any{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	item, ok := base.GetByToken(token)
	require.True(t, ok)
	assert.Equal(t, "a large payload body", item.Content)
	assert.Equal(t, "dehydrated_payload", item.ItemType)
	assert.Equal(t, "test", item.Metadata["origin"])
	assert.Equal(t, 1, item.Metadata["access_count"])

	_, ok = base.GetByToken(token)
	require.True(t, ok)
	again, _ := base.Get(item.ID)
	assert.Equal(t, 2, again.Metadata["access_count"])
}

func TestAccessCountSurvivesJSONRestore(t *testing.T) {
	base := New("run-1", nil)
	token, err := base.StoreWithToken("counted payload", nil)
	require.NoError(t, err)
	_, ok := base.GetByToken(token)
	require.True(t, ok)

	// Persisted snapshots round-trip through JSON, where numbers decode as
	// float64.
	raw, err := json.Marshal(base.Snapshot())
	require.NoError(t, err)
	var snap SnapshotData
	require.NoError(t, json.Unmarshal(raw, &snap))
	restored := FromSnapshot(&snap, nil)

	item, ok := restored.GetByToken(token)
	require.True(t, ok)
	assert.Equal(t, 2, item.Metadata["access_count"], "counting continues from the restored value")
}

func TestHydrateStringExpandsTokens(t *testing.T) {
	base := New("run-1", nil)
	token, err := base.StoreWithToken("expanded text", nil)
	require.NoError(t, err)

	out := base.HydrateString("before " + token + " after")
	assert.Equal(t, "before expanded text after", out)

	// Structured content embeds as compact JSON.
	structured, err := base.StoreWithToken(map[string]any{"k": "v"}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, base.HydrateString(structured))
}

func TestHydrateStringWithoutTokensIsIdentity(t *testing.T) {
	base := New("run-1", nil)
	for _, s := range []string{"", "plain text", "almost <#CGKB-1> a token", "{\"json\":true}"} {
		assert.Equal(t, s, base.HydrateString(s))
	}
}

func TestHydrateUnknownTokenLeftVerbatim(t *testing.T) {
	base := New("run-1", nil)
	assert.Equal(t, "see <#CGKB-00042>", base.HydrateString("see <#CGKB-00042>"))
}

func TestHydrateCycleIsBounded(t *testing.T) {
	base := New("run-1", nil)
	item, err := base.Add(AddRequest{ItemType: "note", SourceURI: "mem://cycle", Content: "placeholder"})
	require.NoError(t, err)
	token := item.Token()
	// Overwrite in place so the item's content references its own token.
	_, err = base.Add(AddRequest{ItemType: "note", SourceURI: "mem://cycle", Content: "points back " + token})
	require.NoError(t, err)

	out := base.HydrateString(token)
	assert.Contains(t, out, "points back")
	assert.Contains(t, out, token, "cycle stops at the seen token")
}

func TestHydrateNestedStructures(t *testing.T) {
	base := New("run-1", nil)
	token, err := base.StoreWithToken("inner", nil)
	require.NoError(t, err)

	value := map[string]any{
		"text": "has " + token,
		"list": []any{token, 7},
		"keep": 42,
	}
	out := base.Hydrate(value).(map[string]any)
	assert.Equal(t, "has inner", out["text"])
	assert.Equal(t, []any{"inner", 7}, out["list"])
	assert.Equal(t, 42, out["keep"])
}

func TestDehydrateReplacesOversizeStrings(t *testing.T) {
	base := New("run-1", nil)
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	payload := map[string]any{
		"small": "ok",
		"large": string(big),
	}
	out, err := base.Dehydrate(payload, 1024, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "ok", m["small"])
	assert.NotEqual(t, string(big), m["large"])

	token, ok := m["large"].(string)
	require.True(t, ok)
	assert.Equal(t, string(big), base.HydrateString(token))
}

func TestSnapshotRoundTrip(t *testing.T) {
	base := New("run-9", nil)
	_, err := base.Add(AddRequest{ItemType: "note", Content: "one", SourceURI: "mem://1"})
	require.NoError(t, err)
	token, err := base.StoreWithToken(map[string]any{"deep": true}, nil)
	require.NoError(t, err)

	restored := FromSnapshot(base.Snapshot(), nil)
	assert.Equal(t, base.Len(), restored.Len())

	item, ok := restored.GetByToken(token)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"deep": true}, item.Content)

	// Sequence continues monotonically after restore.
	next, err := restored.Add(AddRequest{ItemType: "note", Content: "post-restore"})
	require.NoError(t, err)
	assert.Equal(t, "<#CGKB-00003>", next.Token())
}
