package narrator

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

var ErrMalformedPlan = errors.New("narrator: oracle output is not a plan")

// ParsePlan extracts the JSON object from a completion, tolerating a fenced
// code block or prose around it. Any failure is ErrMalformedPlan.
func ParsePlan(raw string) (*Plan, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, ErrMalformedPlan
	}

	var plan Plan
	if err := json.Unmarshal([]byte(s[start:end+1]), &plan); err != nil {
		return nil, errors.Join(ErrMalformedPlan, err)
	}
	plan.normalize()
	return &plan, nil
}

// normalize drops empty responses and coerces unknown display types to
// dialogue.
func (p *Plan) normalize() {
	out := p.Responses[:0]
	for _, r := range p.Responses {
		r.Content = strings.TrimSpace(r.Content)
		if r.Content == "" {
			continue
		}
		dt, err := message.ParseDisplayType(r.Type)
		if err != nil {
			dt = message.Dialogue
		}
		r.Type = string(dt)
		if r.CharacterID != nil && strings.TrimSpace(*r.CharacterID) == "" {
			r.CharacterID = nil
		}
		out = append(out, r)
	}
	if out == nil {
		out = []PlannedResponse{}
	}
	p.Responses = out
	if p.NewCharacter != nil && strings.TrimSpace(p.NewCharacter.Name) == "" {
		p.NewCharacter = nil
	}
	if p.WorldEvent != nil && strings.TrimSpace(*p.WorldEvent) == "" {
		p.WorldEvent = nil
	}
}

// Oracles sometimes answer integer fields with fractions ("trustChange": 5.5).
// Those are rounded instead of failing the whole plan.

func (m *MemoryUpdate) UnmarshalJSON(b []byte) error {
	type plain MemoryUpdate
	aux := struct {
		*plain
		TrustChange json.Number `json:"trustChange"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	n, err := roundNumber(aux.TrustChange)
	if err != nil {
		return err
	}
	m.TrustChange = n
	return nil
}

func (c *NewCharacter) UnmarshalJSON(b []byte) error {
	type plain NewCharacter
	aux := struct {
		*plain
		SocialRank json.Number `json:"socialRank"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	n, err := roundNumber(aux.SocialRank)
	if err != nil {
		return err
	}
	c.SocialRank = n
	return nil
}

const maxPlanNumber = 1 << 20

func roundNumber(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	f = math.Round(f)
	if f > maxPlanNumber {
		f = maxPlanNumber
	} else if f < -maxPlanNumber {
		f = -maxPlanNumber
	}
	return int(f), nil
}
