package usecase

import (
	"fmt"
	"sort"
	"strings"

	"npc-dialogue-agent/internal/domain"
)

// assembleContext builds the ordered, role-tagged prompt for one dialogue
// request: persona block, then the recent turns chronologically, then the
// current player utterance. When the assembled context exceeds maxChars,
// the oldest turns are dropped first; the persona block and the current
// utterance are never dropped.
func assembleContext(preamble string, profile domain.CharacterProfile, turns []domain.ConversationTurn, utterance string, maxChars int) []domain.ChatMessage {
	persona := buildPersonaBlock(preamble, profile)
	fixed := len(persona) + len(utterance)

	kept := turns
	if maxChars > 0 {
		for len(kept) > 0 && fixed+turnsLength(kept) > maxChars {
			kept = kept[1:]
		}
	}

	messages := make([]domain.ChatMessage, 0, 2*len(kept)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: persona})
	for _, turn := range kept {
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: turn.PlayerUtterance},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: turn.NPCReply},
		)
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: utterance})
	return messages
}

func turnsLength(turns []domain.ConversationTurn) int {
	total := 0
	for _, t := range turns {
		total += len(t.PlayerUtterance) + len(t.NPCReply)
	}
	return total
}

// buildPersonaBlock renders the NPC's identity for the system message.
func buildPersonaBlock(preamble string, profile domain.CharacterProfile) string {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = profile.CharacterID
	}

	var b strings.Builder
	if preamble = strings.TrimSpace(preamble); preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are an NPC named %s.", name)
	if persona := strings.TrimSpace(profile.Persona); persona != "" {
		fmt.Fprintf(&b, "\n\nPersona:\n%s", persona)
	}
	if background := strings.TrimSpace(profile.Background); background != "" {
		fmt.Fprintf(&b, "\n\nBackground:\n%s", background)
	}
	if len(profile.Attributes) > 0 {
		keys := make([]string, 0, len(profile.Attributes))
		for k := range profile.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nTraits:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, profile.Attributes[k])
		}
	}
	b.WriteString("\n\nStay in character and answer the player's next line.")
	return b.String()
}
