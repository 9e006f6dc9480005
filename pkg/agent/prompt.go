// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atelier-ai/atelier/pkg/expr"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/atelier-ai/atelier/pkg/types"
)

// buildSystemPrompt assembles the system prompt from the profile's ordered
// segments. A failing segment never aborts the build: it is replaced with
// an in-band advisory instructing the agent to warn the user.
func buildSystemPrompt(sub *run.SubContext, effective []*tools.Definition) (string, []types.PromptSegmentLog) {
	if sub.Profile == nil {
		return "", nil
	}
	segments := append([]profile.PromptSegment{}, sub.Profile.SystemPromptConstruction.SystemPromptSegments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Order < segments[j].Order })

	env := sub.Env()
	var parts []string
	logs := make([]types.PromptSegmentLog, 0, len(segments))

	for _, seg := range segments {
		log := types.PromptSegmentLog{SegmentID: seg.ID, Type: seg.Type, Condition: seg.Condition}

		var text string
		matched, err := expr.EvalBool(seg.Condition, env)
		if err != nil {
			// A broken condition degrades like a broken render: the
			// advisory stays in-band instead of silently dropping the
			// section.
			text = fmt.Sprintf(
				"[System advisory: prompt section %q could not be built (condition error: %v). "+
					"Warn the user about degraded context, then continue.]", seg.ID, err)
			log.Error = err.Error()
		} else {
			log.ConditionResult = matched
			if !matched {
				logs = append(logs, log)
				continue
			}
			text, err = renderSegment(sub, seg, env, effective)
			if err != nil {
				text = fmt.Sprintf(
					"[System advisory: prompt section %q could not be built (%v). "+
						"Warn the user about degraded context, then continue.]", seg.ID, err)
				log.Error = err.Error()
			}
		}
		if text != "" {
			parts = append(parts, text)
			log.Included = true
			log.Chars = len(text)
		}
		logs = append(logs, log)
	}
	return strings.Join(parts, "\n\n"), logs
}

func renderSegment(sub *run.SubContext, seg profile.PromptSegment, env expr.Resolver, effective []*tools.Definition) (string, error) {
	switch seg.Type {
	case profile.SegmentStaticText:
		text, ok := sub.Profile.TextDefinitions[seg.ContentKey]
		if !ok {
			return "", fmt.Errorf("text definition %q not found", seg.ContentKey)
		}
		return expr.Interpolate(text, env), nil

	case profile.SegmentStateValue:
		value, ok := env.Resolve(seg.SourceStatePath)
		if !ok || value == nil {
			return "", fmt.Errorf("state path %q is unresolved", seg.SourceStatePath)
		}
		return expr.Stringify(value), nil

	case profile.SegmentToolDescription:
		return renderToolDescriptions(effective), nil
	}
	return "", fmt.Errorf("unknown segment type %q", seg.Type)
}

// renderToolDescriptions lists the effective tools so profiles can narrate
// them in prose in addition to the native schema channel.
func renderToolDescriptions(effective []*tools.Definition) string {
	if len(effective) == 0 {
		return "No tools are available this turn."
	}
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, def := range effective {
		fmt.Fprintf(&sb, "- %s: %s", def.Name, def.Description)
		if def.EndsFlow {
			sb.WriteString(" (ends the flow)")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
