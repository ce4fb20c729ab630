package narrator

import (
	"sort"
	"strings"
	"unicode"
)

// RoleArchetype is a stock NPC suggested when its keyword appears in the
// trigger message.
type RoleArchetype struct {
	Keyword    string
	Role       string
	SocialRank int
	Traits     []string
}

var roleTable = []RoleArchetype{
	{Keyword: "guard", Role: "Town Guard", SocialRank: 4, Traits: []string{"dutiful", "suspicious", "stern"}},
	{Keyword: "captain", Role: "Guard Captain", SocialRank: 6, Traits: []string{"authoritative", "disciplined", "protective"}},
	{Keyword: "soldier", Role: "Soldier", SocialRank: 4, Traits: []string{"loyal", "blunt", "weary"}},
	{Keyword: "bartender", Role: "Bartender", SocialRank: 2, Traits: []string{"friendly", "gossipy", "observant"}},
	{Keyword: "barkeep", Role: "Bartender", SocialRank: 2, Traits: []string{"friendly", "gossipy", "observant"}},
	{Keyword: "innkeeper", Role: "Innkeeper", SocialRank: 3, Traits: []string{"hospitable", "shrewd", "chatty"}},
	{Keyword: "merchant", Role: "Merchant", SocialRank: 3, Traits: []string{"shrewd", "persuasive", "greedy"}},
	{Keyword: "blacksmith", Role: "Blacksmith", SocialRank: 3, Traits: []string{"gruff", "honest", "hardworking"}},
	{Keyword: "noble", Role: "Noble", SocialRank: 8, Traits: []string{"proud", "refined", "condescending"}},
	{Keyword: "lord", Role: "Lord", SocialRank: 8, Traits: []string{"commanding", "proud", "calculating"}},
	{Keyword: "lady", Role: "Lady", SocialRank: 8, Traits: []string{"graceful", "proud", "perceptive"}},
	{Keyword: "king", Role: "King", SocialRank: 10, Traits: []string{"regal", "commanding", "distant"}},
	{Keyword: "queen", Role: "Queen", SocialRank: 10, Traits: []string{"regal", "shrewd", "composed"}},
	{Keyword: "priest", Role: "Priest", SocialRank: 6, Traits: []string{"pious", "calm", "judgmental"}},
	{Keyword: "mage", Role: "Mage", SocialRank: 7, Traits: []string{"arcane", "aloof", "curious"}},
	{Keyword: "wizard", Role: "Wizard", SocialRank: 7, Traits: []string{"arcane", "eccentric", "wise"}},
	{Keyword: "thief", Role: "Thief", SocialRank: 1, Traits: []string{"sly", "opportunistic", "nimble"}},
	{Keyword: "pickpocket", Role: "Pickpocket", SocialRank: 1, Traits: []string{"sly", "nervous", "quick"}},
	{Keyword: "beggar", Role: "Beggar", SocialRank: 0, Traits: []string{"desperate", "humble", "streetwise"}},
}

// Signals are the advisory spawn hints derived from the trigger message.
type Signals struct {
	Configured []Character
	Roles      []RoleArchetype
}

func (s Signals) Empty() bool { return len(s.Configured) == 0 && len(s.Roles) == 0 }

// DetectSignals matches the trigger text against each configured character's
// spawn keywords and against the fixed role table. Single-word keywords match
// whole words (plural "s" allowed); multi-word keywords match as substrings.
func DetectSignals(text string, characters []Character) Signals {
	lower := strings.ToLower(text)
	words := wordSet(lower)

	var sig Signals
	for _, c := range characters {
		for _, kw := range c.SpawnKeywords {
			if matchKeyword(lower, words, kw) {
				sig.Configured = append(sig.Configured, c)
				break
			}
		}
	}

	seen := make(map[string]struct{})
	for _, r := range roleTable {
		if _, dup := seen[r.Role]; dup {
			continue
		}
		if matchKeyword(lower, words, r.Keyword) {
			seen[r.Role] = struct{}{}
			sig.Roles = append(sig.Roles, r)
		}
	}
	sort.SliceStable(sig.Roles, func(i, j int) bool { return sig.Roles[i].SocialRank > sig.Roles[j].SocialRank })
	return sig
}

func wordSet(lower string) map[string]struct{} {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func matchKeyword(lower string, words map[string]struct{}, kw string) bool {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return false
	}
	if strings.ContainsAny(kw, " \t") {
		return strings.Contains(lower, kw)
	}
	if _, ok := words[kw]; ok {
		return true
	}
	_, ok := words[kw+"s"]
	return ok
}
