package steps

import (
	"regexp"
	"strings"
	"testing"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

func TestRollDiceNumericBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		res, err := RollDice(1, "20", 0)
		if err != nil {
			t.Fatalf("RollDice: %v", err)
		}
		if res.Total < 1 || res.Total > 20 {
			t.Fatalf("total out of range: %d", res.Total)
		}
		if len(res.Display) != 1 {
			t.Fatalf("display: want=1 got=%d", len(res.Display))
		}
	}
}

func TestRollDiceWithModifierFormat(t *testing.T) {
	re := regexp.MustCompile(`^1d20\+2 = \d+ \{ \d+ \}$`)
	for i := 0; i < 50; i++ {
		res, err := RollDice(1, "20", 2)
		if err != nil {
			t.Fatalf("RollDice: %v", err)
		}
		if res.Total < 3 || res.Total > 22 {
			t.Fatalf("total out of range: %d", res.Total)
		}
		if !re.MatchString(res.String()) {
			t.Fatalf("format: %q", res.String())
		}
	}
}

func TestRollDiceNegativeModifier(t *testing.T) {
	res, err := RollDice(2, "6", -1)
	if err != nil {
		t.Fatalf("RollDice: %v", err)
	}
	if !strings.HasPrefix(res.Notation, "2d6-1") {
		t.Fatalf("notation: %q", res.Notation)
	}
	if res.Total < 1 || res.Total > 11 {
		t.Fatalf("total out of range: %d", res.Total)
	}
}

func TestRollDiceFudge(t *testing.T) {
	for i := 0; i < 50; i++ {
		res, err := RollDice(4, "F", 0)
		if err != nil {
			t.Fatalf("RollDice: %v", err)
		}
		if res.Total < -4 || res.Total > 4 {
			t.Fatalf("fudge total out of range: %d", res.Total)
		}
		if len(res.Display) != 4 {
			t.Fatalf("fudge display: want=4 got=%d", len(res.Display))
		}
		for _, sym := range res.Display {
			if sym != "-" && sym != " " && sym != "+" {
				t.Fatalf("fudge symbol: %q", sym)
			}
		}
	}
}

func TestRollDiceRejectsInvalidInput(t *testing.T) {
	if _, err := RollDice(0, "20", 0); err == nil {
		t.Fatalf("expected error for zero count")
	}
	if _, err := RollDice(1, "xyz", 0); err == nil {
		t.Fatalf("expected error for bad type")
	}
	if _, err := RollDice(1, "0", 0); err == nil {
		t.Fatalf("expected error for zero-sided die")
	}
}

func TestHasQuestionMarker(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"Eu ataco o goblin.", false},
		{"Qual a cor dos olhos dela?", true},
		{"qual é o nome do rei", true},
		{"Sigo em frente {o que eu vejo na sala}", true},
		{"Onde estamos agora", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := HasQuestionMarker(tc.in); got != tc.want {
			t.Fatalf("HasQuestionMarker(%q): want=%v got=%v", tc.in, tc.want, got)
		}
	}
}

func TestFallbackQueriesFocusOnQuestion(t *testing.T) {
	direct, narrative := fallbackQueries(nil, "Eu avanço pela ponte. {quem construiu esta fortaleza}")
	if direct != "quem construiu esta fortaleza" {
		t.Fatalf("direct: want aside got=%q", direct)
	}
	if narrative != "" {
		t.Fatalf("narrative: want empty got=%q", narrative)
	}

	direct, narrative = fallbackQueries(nil, "Qual a cor dos olhos dela?")
	if direct != "Qual a cor dos olhos dela?" {
		t.Fatalf("direct: got=%q", direct)
	}
	if narrative != "" {
		t.Fatalf("narrative: want empty got=%q", narrative)
	}
}

func TestFallbackQueriesWidenWithSceneTail(t *testing.T) {
	recent := []domain.Message{
		{Role: domain.RoleUser, Text: "Entro na taverna."},
		{Role: domain.RoleModel, Text: "A taverna está cheia de mercenários."},
	}
	direct, narrative := fallbackQueries(recent, "Peço uma bebida ao taverneiro.")
	if direct != "Peço uma bebida ao taverneiro." {
		t.Fatalf("direct: got=%q", direct)
	}
	if !strings.Contains(narrative, "taverna") {
		t.Fatalf("narrative missing scene tail: %q", narrative)
	}
}
