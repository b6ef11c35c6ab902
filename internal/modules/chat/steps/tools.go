package steps

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
)

const (
	toolInsertFact     = "insert_fact"
	toolInsertConcept  = "insert_concept"
	toolRollDice       = "roll_dice"
	toolEditMemory     = "edit_memory"
	toolDeleteMemories = "delete_memories"
)

// ToolDeclarations lists the vocabulary exposed to the model during the
// main generation loop.
func ToolDeclarations() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolInsertFact,
			Description: "Registra um fato discreto e permanente da história na memória de fatos.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"text": {Type: "string", Description: "O fato, em uma frase objetiva e autocontida."},
				},
				Required: []string{"text"},
			},
		},
		{
			Name:        toolInsertConcept,
			Description: "Registra lore abstrato, conceitos de mundo ou temas recorrentes na memória de conceitos.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"text": {Type: "string", Description: "O conceito, em prosa autocontida."},
				},
				Required: []string{"text"},
			},
		},
		{
			Name:        toolRollDice,
			Description: "Rola dados. Use antes de narrar o desfecho de ações incertas.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"count":    {Type: "integer", Description: "Quantidade de dados."},
					"type":     {Type: "string", Description: "Faces do dado: um número (ex. 20) ou F para dados Fudge."},
					"modifier": {Type: "integer", Description: "Modificador somado ao total. Opcional."},
				},
				Required: []string{"count", "type"},
			},
		},
		{
			Name:        toolEditMemory,
			Description: "Corrige o texto de uma memória existente pelo seu ID.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"messageid": {Type: "string", Description: "ID da memória a corrigir."},
					"new_text":  {Type: "string", Description: "Texto corrigido."},
				},
				Required: []string{"messageid", "new_text"},
			},
		},
		{
			Name:        toolDeleteMemories,
			Description: "Solicita a remoção de memórias obsoletas. A remoção só ocorre após confirmação do usuário.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"messageids": {
						Type:  "array",
						Items: &llm.Schema{Type: "string"},
					},
				},
				Required: []string{"messageids"},
			},
		},
	}
}

// DiceResult is one roll_dice evaluation.
type DiceResult struct {
	Notation string
	Total    int
	Display  []string
}

// String renders "NdX±M = total { rolls }" exactly as persisted to
// historico.
func (d DiceResult) String() string {
	return fmt.Sprintf("%s = %d { %s }", d.Notation, d.Total, strings.Join(d.Display, " "))
}

var diceRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// RollDice evaluates count dice of the given type plus modifier. A numeric
// type rolls uniform [1..N]; type F rolls Fudge dice in {-1, 0, +1}
// rendered as -, space and +.
func RollDice(count int, diceType string, modifier int) (DiceResult, error) {
	if count <= 0 || count > 100 {
		return DiceResult{}, fmt.Errorf("invalid dice count: %d", count)
	}
	diceType = strings.TrimSpace(strings.ToUpper(diceType))

	notation := fmt.Sprintf("%dd%s", count, strings.ToLower(diceType))
	if modifier > 0 {
		notation += fmt.Sprintf("+%d", modifier)
	} else if modifier < 0 {
		notation += strconv.Itoa(modifier)
	}

	res := DiceResult{Notation: notation, Total: modifier}
	if diceType == "F" {
		for i := 0; i < count; i++ {
			v := diceRand.Intn(3) - 1
			res.Total += v
			switch v {
			case -1:
				res.Display = append(res.Display, "-")
			case 0:
				res.Display = append(res.Display, " ")
			default:
				res.Display = append(res.Display, "+")
			}
		}
		return res, nil
	}

	sides, err := strconv.Atoi(diceType)
	if err != nil || sides <= 0 {
		return DiceResult{}, fmt.Errorf("invalid dice type: %q", diceType)
	}
	for i := 0; i < count; i++ {
		v := diceRand.Intn(sides) + 1
		res.Total += v
		res.Display = append(res.Display, strconv.Itoa(v))
	}
	return res, nil
}

// ToolOutcome is one executed tool call. Errors are captured into Response
// so the model can recover inside the loop.
type ToolOutcome struct {
	Name              string
	Response          map[string]any
	PendingDeletions  []PendingDeletion
	RequiresNarration bool
	DiceText          string
}

// ExecuteToolCall runs one model-requested tool. delete_memories never
// mutates storage here; it only reports the pending list.
func ExecuteToolCall(ctx context.Context, deps Deps, chat *domain.Chat, call llm.FunctionCall) ToolOutcome {
	out := ToolOutcome{Name: call.Name}
	fail := func(err error) ToolOutcome {
		deps.Log.Warn("tool execution failed", "chat_token", chat.Token, "tool", call.Name, "error", err)
		out.Response = map[string]any{"error": err.Error()}
		return out
	}

	switch call.Name {
	case toolInsertFact, toolInsertConcept:
		text, _ := call.Args["text"].(string)
		if strings.TrimSpace(text) == "" {
			return fail(fmt.Errorf("campo text é obrigatório"))
		}
		coll := domain.CollectionFatos
		if call.Name == toolInsertConcept {
			coll = domain.CollectionConceitos
		}
		msg := domain.Message{
			MessageID: uuid.NewString(),
			Text:      text,
			Role:      domain.RoleModel,
			CreatedAt: time.Now().UnixMilli(),
		}
		vec, err := deps.Embed.GenerateEmbedding(ctx, text, chat.Config)
		if err != nil {
			// Store with the zero sentinel; the repair path re-embeds later.
			deps.Log.Warn("tool insert embedding failed, storing zero vector",
				"chat_token", chat.Token, "tool", call.Name, "error", err)
			vec = domain.ZeroVector(chat.Config.Dimension())
		}
		msg.Vector = vec
		if err := deps.Store.InsertRecord(ctx, chat.Token, coll, msg); err != nil {
			return fail(err)
		}
		out.Response = map[string]any{"status": "ok", "messageid": msg.MessageID}
		return out

	case toolRollDice:
		count := intArg(call.Args, "count", 1)
		diceType, _ := call.Args["type"].(string)
		modifier := intArg(call.Args, "modifier", 0)
		res, err := RollDice(count, diceType, modifier)
		if err != nil {
			return fail(err)
		}
		out.RequiresNarration = true
		out.DiceText = res.String()
		out.Response = map[string]any{"result": res.String(), "total": res.Total}
		return out

	case toolEditMemory:
		id, _ := call.Args["messageid"].(string)
		newText, _ := call.Args["new_text"].(string)
		if strings.TrimSpace(id) == "" || strings.TrimSpace(newText) == "" {
			return fail(fmt.Errorf("messageid e new_text são obrigatórios"))
		}
		vec, err := deps.Embed.GenerateEmbedding(ctx, newText, chat.Config)
		if err != nil {
			vec = domain.ZeroVector(chat.Config.Dimension())
		}
		if err := deps.Store.UpdateRecordByMessageID(ctx, chat.Token, id, newText, vec); err != nil {
			return fail(err)
		}
		out.Response = map[string]any{"status": "ok"}
		return out

	case toolDeleteMemories:
		ids := stringSliceArg(call.Args, "messageids")
		if len(ids) == 0 {
			return fail(fmt.Errorf("messageids é obrigatório"))
		}
		for _, id := range ids {
			msg, coll, err := deps.Store.GetRecordByMessageID(ctx, chat.Token, id)
			if err != nil {
				deps.Log.Warn("pending deletion references unknown memory",
					"chat_token", chat.Token, "messageid", id)
				continue
			}
			out.PendingDeletions = append(out.PendingDeletions, PendingDeletion{
				MessageID: id,
				Text:      msg.Text,
				Category:  coll,
			})
		}
		out.Response = map[string]any{
			"status":  "pending_confirmation",
			"message": "A remoção aguarda confirmação do usuário.",
			"count":   len(out.PendingDeletions),
		}
		return out

	default:
		return fail(fmt.Errorf("ferramenta desconhecida: %s", call.Name))
	}
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
