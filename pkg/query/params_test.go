package query

import (
	"errors"
	"testing"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeMix, false},
		{"LOCAL", ModeLocal, false},
		{" hybrid ", ModeHybrid, false},
		{"bypass", ModeBypass, false},
		{"graph", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParam) {
					t.Fatalf("ParseMode(%q) error = %v, want ErrInvalidParam", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseMode(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		mode Mode
		want Capabilities
	}{
		{ModeLocal, Capabilities{Entities: true}},
		{ModeGlobal, Capabilities{Relations: true}},
		{ModeHybrid, Capabilities{Entities: true, Relations: true}},
		{ModeMix, Capabilities{Entities: true, Relations: true, Passages: true}},
		{ModeNaive, Capabilities{Passages: true}},
		{ModeBypass, Capabilities{}},
	}
	for _, tt := range tests {
		if got := tt.mode.Capabilities(); got != tt.want {
			t.Errorf("%s.Capabilities() = %+v, want %+v", tt.mode, got, tt.want)
		}
	}
}

func TestParam_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Param)
		valid  bool
	}{
		{"defaults", func(p *Param) {}, true},
		{"zero top_k", func(p *Param) { p.TopK = 0 }, false},
		{"zero chunk_top_k", func(p *Param) { p.ChunkTopK = 0 }, false},
		{"negative ceiling", func(p *Param) { p.MaxEntityTokens = -1 }, false},
		{"zero total", func(p *Param) { p.MaxTotalTokens = 0 }, false},
		{"rerank score above one", func(p *Param) { p.MinRerankScore = 1.5 }, false},
		{"unknown mode", func(p *Param) { p.Mode = "fuzzy" }, false},
		{"negative history", func(p *Param) { p.HistoryTurns = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParam()
			tt.modify(&p)
			err := p.Validate()
			if tt.valid != (err == nil) {
				t.Fatalf("Validate() = %v, valid = %v", err, tt.valid)
			}
		})
	}
}

func TestParam_History(t *testing.T) {
	p := DefaultParam()
	for _, m := range []string{"u1", "a1", "u2", "a2", "u3", "a3"} {
		role := "user"
		if m[0] == 'a' {
			role = "assistant"
		}
		p.History = append(p.History, ai.ChatMessage{Role: role, Message: m})
	}

	if got := p.history(); len(got) != 6 {
		t.Fatalf("history() with zero turns = %d messages, want 6", len(got))
	}
	p.HistoryTurns = 1
	got := p.history()
	if len(got) != 2 || got[0].Message != "u3" {
		t.Fatalf("history() = %+v, want last turn", got)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{OverfetchMultiplier: 5}.withDefaults()
	if c.OverfetchMultiplier != 5 {
		t.Fatalf("OverfetchMultiplier = %d, want 5", c.OverfetchMultiplier)
	}
	if c.MaxFilterIDs != 1000 || c.RelatedChunkNumber != 5 || c.RecordKey != "product_id" {
		t.Fatalf("withDefaults() = %+v", c)
	}
}
