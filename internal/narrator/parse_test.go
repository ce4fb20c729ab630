package narrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePlanToleratesFencesAndProse(t *testing.T) {
	raw := "Here you go:\n```json\n{\"shouldRespond\": true, \"responses\": [{\"characterName\": \"Gruff\", \"content\": \" Aye \", \"type\": \"shout\"}, {\"characterName\": \"X\", \"content\": \"   \"}]}\n```"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.True(t, plan.ShouldRespond)
	require.Len(t, plan.Responses, 1)
	require.Equal(t, "Aye", plan.Responses[0].Content)
	require.Equal(t, "dialogue", plan.Responses[0].Type)
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", "{broken", "} {"} {
		_, err := ParsePlan(raw)
		require.ErrorIs(t, err, ErrMalformedPlan, raw)
	}
}

func TestParsePlanDropsEmptyOptionalParts(t *testing.T) {
	plan, err := ParsePlan(`{"shouldRespond": true, "newCharacter": {"name": ""}, "worldEvent": " "}`)
	require.NoError(t, err)
	require.Nil(t, plan.NewCharacter)
	require.Nil(t, plan.WorldEvent)
	require.NotNil(t, plan.Responses)
}

func TestParsePlanRoundsFractionalNumbers(t *testing.T) {
	plan, err := ParsePlan(`{"shouldRespond": true,
		"responses": [{"characterName": "Gruff", "content": "Hm."}],
		"newCharacter": {"name": "Town Guard", "socialRank": 2.6, "personalityTraits": ["stern"]},
		"memoryUpdate": {"trustChange": 5.5, "memoryNote": "paid in coin"}}`)
	require.NoError(t, err)
	require.Len(t, plan.Responses, 1)
	require.NotNil(t, plan.NewCharacter)
	require.Equal(t, "Town Guard", plan.NewCharacter.Name)
	require.Equal(t, 3, plan.NewCharacter.SocialRank)
	require.Equal(t, []string{"stern"}, plan.NewCharacter.PersonalityTraits)
	require.NotNil(t, plan.MemoryUpdate)
	require.Equal(t, 6, plan.MemoryUpdate.TrustChange)
	require.Equal(t, "paid in coin", *plan.MemoryUpdate.MemoryNote)

	plan, err = ParsePlan(`{"shouldRespond": true, "memoryUpdate": {"trustChange": -12}}`)
	require.NoError(t, err)
	require.Equal(t, -12, plan.MemoryUpdate.TrustChange)
}

func TestDetectSignals(t *testing.T) {
	chars := []Character{
		{ID: "AI1", Name: "Captain Vale", SpawnKeywords: []string{"vale", "the watch"}},
		{ID: "AI2", Name: "Sly Tom", SpawnKeywords: []string{"tom"}},
	}

	sig := DetectSignals("The GUARDS and a priest stop by the watch house.", chars)
	require.Len(t, sig.Configured, 1)
	require.Equal(t, "AI1", sig.Configured[0].ID)
	require.Len(t, sig.Roles, 2)
	require.Equal(t, "Priest", sig.Roles[0].Role)
	require.Equal(t, "Town Guard", sig.Roles[1].Role)

	// substrings of a word do not count
	sig = DetectSignals("The tomato merchant kingly waves.", chars)
	require.Empty(t, sig.Configured)
	require.Len(t, sig.Roles, 1)
	require.Equal(t, "Merchant", sig.Roles[0].Role)

	// two keywords for the same role collapse into one hint
	sig = DetectSignals("bartender! barkeep!", nil)
	require.Len(t, sig.Roles, 1)
	require.True(t, DetectSignals("hello there", chars).Empty())
}

func TestBuildPromptOrdersTurns(t *testing.T) {
	scene := Scene{
		World:   &World{ID: "W1", Name: "Eldoria"},
		Room:    &Room{ID: "R1", Name: "Tavern"},
		History: []HistoryTurn{{Content: "first", CharacterName: "Aria"}, {Content: "psst", Type: "thought"}},
	}
	p := BuildPrompt(scene, "hello")
	require.Len(t, p.Turns, 3)
	require.Equal(t, "[dialogue] Aria: first", p.Turns[0].Content)
	require.Equal(t, "[thought] Someone: psst", p.Turns[1].Content)
	require.Equal(t, "Someone: hello", p.Turns[2].Content)
	require.Contains(t, p.System, "## World: Eldoria")
	require.Contains(t, p.System, "None yet.")
}

type countingExpirer struct {
	calls int
	at    time.Time
}

func (c *countingExpirer) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	c.calls++
	c.at = now
	return 2, nil
}

func TestSweeper(t *testing.T) {
	_, err := NewSweeper(&countingExpirer{}, "not a cron", nil)
	require.Error(t, err)

	exp := &countingExpirer{}
	s, err := NewSweeper(exp, "", nil)
	require.NoError(t, err)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, 1, exp.calls)
	require.Equal(t, now, exp.at)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
}
