// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kb

import "go.uber.org/zap"

// SnapshotData is the serializable form of the knowledge base. All four
// indexes and the sequence counter are preserved so restored runs keep
// allocating tokens monotonically.
type SnapshotData struct {
	RunID        string            `json:"run_id"`
	ItemsByID    map[string]*Item  `json:"items_by_id"`
	ItemsByURI   map[string]string `json:"items_by_uri"`
	ItemsByHash  map[string]string `json:"items_by_hash"`
	ItemsByToken map[string]string `json:"items_by_token"`
	NextSequence int               `json:"next_sequence"`
}

// Snapshot returns a deep-enough copy for serialization. Item contents are
// shared; callers snapshot under the run lock before any further mutation.
func (kb *KnowledgeBase) Snapshot() *SnapshotData {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	snap := &SnapshotData{
		RunID:        kb.runID,
		ItemsByID:    make(map[string]*Item, len(kb.itemsByID)),
		ItemsByURI:   make(map[string]string, len(kb.itemsByURI)),
		ItemsByHash:  make(map[string]string, len(kb.itemsByHash)),
		ItemsByToken: make(map[string]string, len(kb.itemsByToken)),
		NextSequence: kb.nextSequence,
	}
	for id, item := range kb.itemsByID {
		copied := *item
		if item.Metadata != nil {
			copied.Metadata = make(map[string]any, len(item.Metadata))
			for k, v := range item.Metadata {
				copied.Metadata[k] = v
			}
		}
		snap.ItemsByID[id] = &copied
	}
	for k, v := range kb.itemsByURI {
		snap.ItemsByURI[k] = v
	}
	for k, v := range kb.itemsByHash {
		snap.ItemsByHash[k] = v
	}
	for k, v := range kb.itemsByToken {
		snap.ItemsByToken[k] = v
	}
	return snap
}

// FromSnapshot rebuilds a knowledge base from serialized state.
func FromSnapshot(snap *SnapshotData, logger *zap.Logger) *KnowledgeBase {
	kb := New(snap.RunID, logger)
	if snap.NextSequence > 0 {
		kb.nextSequence = snap.NextSequence
	}
	for id, item := range snap.ItemsByID {
		kb.itemsByID[id] = item
	}
	for k, v := range snap.ItemsByURI {
		kb.itemsByURI[k] = v
	}
	for k, v := range snap.ItemsByHash {
		kb.itemsByHash[k] = v
	}
	for k, v := range snap.ItemsByToken {
		kb.itemsByToken[k] = v
	}
	return kb
}
