package narrator

import (
	"fmt"
	"strings"
)

const systemPersona = `You are Phantom, the narrator of a shared roleplay world. You play the world's non-player characters and decide whether any of them should react to the latest message in the room.

Rules:
- Stay silent (shouldRespond false) unless a character has a natural reason to react.
- Characters defer to anyone of higher social rank and act with authority over lower ranks.
- Express each character's personality traits and role in how they speak.
- You may introduce one new temporary character when the scene calls for someone who is not present yet; mark its responses with isNewCharacter true.
- Remember past trust and relationships with the triggering character and let them color the reply.
- Use type "dialogue" for speech, "thought" for inner thoughts and "narrator" for described action.`

const outputSchema = `Reply with a single JSON object and nothing else:
{
  "shouldRespond": boolean,
  "responses": [{"characterId": string|null, "characterName": string, "content": string, "type": "dialogue"|"thought"|"narrator", "isNewCharacter": boolean}],
  "newCharacter": {"name": string, "bio": string, "socialRank": number, "personalityTraits": [string], "avatarDescription": string} | null,
  "memoryUpdate": {"relationshipChange": string|null, "trustChange": number, "memoryNote": string|null} | null,
  "worldEvent": string|null
}`

// Scene is the assembled context for one invocation.
type Scene struct {
	World      *World
	Room       *Room
	Characters []Character
	Trigger    *Character
	Memories   []Memory
	History    []HistoryTurn
	Signals    Signals
}

// BuildPrompt renders the system instruction and turns. History is passed in
// order as user turns and the trigger message is the final turn.
func BuildPrompt(scene Scene, trigger string) Prompt {
	var b strings.Builder
	b.WriteString(systemPersona)
	b.WriteString("\n\n")

	if w := scene.World; w != nil {
		fmt.Fprintf(&b, "## World: %s\n", w.Name)
		writeIf(&b, w.Description)
		writeIf(&b, w.Lore)
		b.WriteString("\n")
	}
	if r := scene.Room; r != nil {
		fmt.Fprintf(&b, "## Current room: %s\n", r.Name)
		writeIf(&b, r.Description)
		b.WriteString("\n")
	}

	b.WriteString("## AI characters present\n")
	if len(scene.Characters) == 0 {
		b.WriteString("None yet.\n")
	}
	for _, c := range scene.Characters {
		kind := "configured"
		if c.IsTemporary {
			kind = "temporary"
		}
		fmt.Fprintf(&b, "- id=%s name=%q rank=%d traits=[%s] (%s)\n",
			c.ID, c.Name, c.SocialRank, strings.Join(c.PersonalityTraits, ", "), kind)
		if bio := strings.TrimSpace(c.Bio); bio != "" {
			fmt.Fprintf(&b, "  %s\n", bio)
		}
	}
	b.WriteString("\n")

	if t := scene.Trigger; t != nil {
		fmt.Fprintf(&b, "## Triggering character: %s (rank %d)\n", t.Name, t.SocialRank)
		writeIf(&b, t.Bio)
		b.WriteString("\n")
	}

	if len(scene.Memories) > 0 {
		names := make(map[string]string, len(scene.Characters))
		for _, c := range scene.Characters {
			names[c.ID] = c.Name
		}
		b.WriteString("## Relationship memory with the triggering character\n")
		for _, m := range scene.Memories {
			name := names[m.AICharacterID]
			if name == "" {
				name = m.AICharacterID
			}
			fmt.Fprintf(&b, "- %s: %s, trust %d\n", name, m.RelationshipType, m.TrustLevel)
			for _, n := range m.Notes {
				fmt.Fprintf(&b, "  * %s\n", n)
			}
		}
		b.WriteString("\n")
	}

	if !scene.Signals.Empty() {
		b.WriteString("## Spawn hints (advisory)\n")
		for _, c := range scene.Signals.Configured {
			fmt.Fprintf(&b, "- existing character %q (id=%s) matches the message\n", c.Name, c.ID)
		}
		for _, r := range scene.Signals.Roles {
			fmt.Fprintf(&b, "- role %q (rank %d, traits: %s) is mentioned\n", r.Role, r.SocialRank, strings.Join(r.Traits, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(outputSchema)

	turns := make([]Turn, 0, len(scene.History)+1)
	for _, h := range scene.History {
		name := h.CharacterName
		if name == "" {
			name = "Someone"
		}
		turns = append(turns, Turn{Role: "user", Content: fmt.Sprintf("[%s] %s: %s", typeOrDialogue(h.Type), name, h.Content)})
	}
	triggerName := "Someone"
	if scene.Trigger != nil && scene.Trigger.Name != "" {
		triggerName = scene.Trigger.Name
	}
	turns = append(turns, Turn{Role: "user", Content: fmt.Sprintf("%s: %s", triggerName, trigger)})

	return Prompt{System: b.String(), Turns: turns}
}

func writeIf(b *strings.Builder, s string) {
	if s = strings.TrimSpace(s); s != "" {
		b.WriteString(s)
		b.WriteString("\n")
	}
}

func typeOrDialogue(t string) string {
	if t == "" {
		return "dialogue"
	}
	return t
}
