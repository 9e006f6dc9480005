// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package kb implements the run-scoped, content-addressed knowledge base.
// Oversize tool payloads are dehydrated to sequence tokens of the form
// <#CGKB-00001> and rehydrated when messages are fed to the LLM.
package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenPrefix and TokenSuffix bracket the 5-digit sequence number.
const (
	TokenPrefix = "<#CGKB-"
	TokenSuffix = ">"
)

// Item is one content-addressed entry.
type Item struct {
	ID          string         `json:"id"`
	ItemType    string         `json:"item_type"`
	SourceURI   string         `json:"source_uri,omitempty"`
	Content     any            `json:"content"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Token returns the item's dehydration token, or "" when it has none.
func (it *Item) Token() string {
	if it.Metadata == nil {
		return ""
	}
	if tok, ok := it.Metadata["token"].(string); ok {
		return tok
	}
	return ""
}

// AddRequest describes one item to add or merge.
type AddRequest struct {
	ItemType   string
	Content    any
	SourceURI  string
	Metadata   map[string]any
	ToolCallID string
}

// KnowledgeBase is the in-memory store. It serializes its own writes; reads
// and writes are safe from concurrent agent goroutines.
type KnowledgeBase struct {
	mu           sync.RWMutex
	runID        string
	itemsByID    map[string]*Item
	itemsByURI   map[string]string // source_uri -> item id
	itemsByHash  map[string]string // content_hash -> item id
	itemsByToken map[string]string // token -> item id
	nextSequence int
	logger       *zap.Logger
}

// New creates an empty knowledge base for a run.
func New(runID string, logger *zap.Logger) *KnowledgeBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeBase{
		runID:        runID,
		itemsByID:    make(map[string]*Item),
		itemsByURI:   make(map[string]string),
		itemsByHash:  make(map[string]string),
		itemsByToken: make(map[string]string),
		nextSequence: 1,
		logger:       logger,
	}
}

// HashContent computes the sha256 of the JSON-normalized content: sorted
// keys, compact separators. Strings hash as their raw bytes so plain text
// round-trips byte-for-byte.
func HashContent(content any) (string, error) {
	var raw []byte
	switch v := content.(type) {
	case string:
		raw = []byte(v)
	default:
		normalized, err := normalize(content)
		if err != nil {
			return "", err
		}
		raw, err = json.Marshal(normalized)
		if err != nil {
			return "", fmt.Errorf("failed to normalize content: %w", err)
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips arbitrary content through JSON so maps marshal with
// sorted keys regardless of the original Go type.
func normalize(content any) (any, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("content is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Add applies the deterministic dedup algorithm:
//  1. URI matches and hash matches: merge metadata, return existing.
//  2. URI matches and hash differs: overwrite content in place, reindex.
//  3. Hash alone matches: attach the new URI if any, dedupe.
//  4. Otherwise insert a new item and allocate the next sequence token.
func (kb *KnowledgeBase) Add(req AddRequest) (*Item, error) {
	hash, err := HashContent(req.Content)
	if err != nil {
		return nil, err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if req.SourceURI != "" {
		if id, ok := kb.itemsByURI[req.SourceURI]; ok {
			existing := kb.itemsByID[id]
			if existing.ContentHash == hash {
				kb.mergeMetadata(existing, req)
				return existing, nil
			}
			// Same URI, new content: update in place and reindex the hash.
			delete(kb.itemsByHash, existing.ContentHash)
			existing.Content = req.Content
			existing.ContentHash = hash
			kb.itemsByHash[hash] = existing.ID
			kb.mergeMetadata(existing, req)
			kb.logger.Debug("knowledge item updated in place",
				zap.String("item_id", existing.ID),
				zap.String("source_uri", req.SourceURI))
			return existing, nil
		}
	}

	if id, ok := kb.itemsByHash[hash]; ok {
		existing := kb.itemsByID[id]
		if req.SourceURI != "" && existing.SourceURI != req.SourceURI {
			if existing.SourceURI == "" {
				existing.SourceURI = req.SourceURI
			}
			kb.itemsByURI[req.SourceURI] = existing.ID
		}
		kb.mergeMetadata(existing, req)
		return existing, nil
	}

	item := &Item{
		ID:          uuid.NewString(),
		ItemType:    req.ItemType,
		SourceURI:   req.SourceURI,
		Content:     req.Content,
		ContentHash: hash,
		RunID:       kb.runID,
		CreatedAt:   time.Now().UTC(),
		Metadata:    map[string]any{"access_count": 0},
	}
	for k, v := range req.Metadata {
		item.Metadata[k] = v
	}
	token := fmt.Sprintf("%s%05d%s", TokenPrefix, kb.nextSequence, TokenSuffix)
	kb.nextSequence++
	item.Metadata["token"] = token
	if req.ToolCallID != "" {
		item.Metadata["contributing_tool_call_ids"] = []string{req.ToolCallID}
	}

	kb.itemsByID[item.ID] = item
	kb.itemsByHash[hash] = item.ID
	kb.itemsByToken[token] = item.ID
	if req.SourceURI != "" {
		kb.itemsByURI[req.SourceURI] = item.ID
	}
	return item, nil
}

// mergeMetadata folds request metadata into an existing item. Repeated adds
// from new tool calls only extend contributing_tool_call_ids.
func (kb *KnowledgeBase) mergeMetadata(item *Item, req AddRequest) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]any)
	}
	for k, v := range req.Metadata {
		if _, taken := item.Metadata[k]; !taken {
			item.Metadata[k] = v
		}
	}
	if req.ToolCallID != "" {
		ids, _ := item.Metadata["contributing_tool_call_ids"].([]string)
		for _, id := range ids {
			if id == req.ToolCallID {
				return
			}
		}
		item.Metadata["contributing_tool_call_ids"] = append(ids, req.ToolCallID)
	}
}

// StoreWithToken is the cooperative dehydration entry point for tool nodes:
// it stores content and returns the token to embed in the tool result.
func (kb *KnowledgeBase) StoreWithToken(content any, metadata map[string]any) (string, error) {
	item, err := kb.Add(AddRequest{ItemType: "dehydrated_payload", Content: content, Metadata: metadata})
	if err != nil {
		return "", err
	}
	return item.Token(), nil
}

// Get returns an item by id.
func (kb *KnowledgeBase) Get(id string) (*Item, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	item, ok := kb.itemsByID[id]
	return item, ok
}

// GetByToken returns the item behind a dehydration token and bumps its
// access count.
func (kb *KnowledgeBase) GetByToken(token string) (*Item, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id, ok := kb.itemsByToken[token]
	if !ok {
		return nil, false
	}
	item := kb.itemsByID[id]
	item.Metadata["access_count"] = asInt(item.Metadata["access_count"]) + 1
	return item, true
}

// asInt coerces a metadata counter that may have round-tripped through
// JSON, where numbers decode as float64.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// Len returns the number of stored items.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.itemsByID)
}
