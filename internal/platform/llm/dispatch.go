package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/cooldown"
	"github.com/fablemind/fablemind-backend/internal/platform/ctxutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/retry"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderCerebras   = "cerebras"
	ProviderLocalProxy = "localproxy"
	ProviderAnthropic  = "anthropic"
)

const (
	chatTimeout       = 120 * time.Second
	localProxyTimeout = 300 * time.Second

	dailyQuotaCooldown = 24 * time.Hour
	rateLimitCooldown  = 60 * time.Second

	chatMaxAttempts = 5
	chatBaseDelay   = 2 * time.Second
)

// Provider generates one model turn with a specific API key.
type Provider interface {
	Name() string
	Generate(ctx context.Context, apiKey string, req Request) (*Response, error)
}

// Dispatcher routes requests to the configured provider, rotating the chat's
// generation keys. A key cools per (key, model): a daily-quota 429 parks it
// for 24h, a temporary 429 for 60s after the in-call retries give up.
type Dispatcher struct {
	log       *logger.Logger
	cooldowns *cooldown.Registry
	providers map[string]Provider
}

func NewDispatcher(log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		log:       log.With("service", "LLMDispatch"),
		cooldowns: cooldown.Generation,
		providers: map[string]Provider{},
	}
	d.Register(newGeminiProvider(log))
	d.Register(newOpenAICompatProvider(log, ProviderOpenAI))
	d.Register(newOpenAICompatProvider(log, ProviderCerebras))
	d.Register(newOpenAICompatProvider(log, ProviderLocalProxy))
	d.Register(newAnthropicProvider(log))
	return d
}

func (d *Dispatcher) Register(p Provider) {
	d.providers[p.Name()] = p
}

func (d *Dispatcher) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx = ctxutil.Default(ctx)

	tag := strings.ToLower(strings.TrimSpace(req.Provider))
	provider, ok := d.providers[tag]
	if !ok {
		return nil, apierr.New(400, apierr.TypeUnknown, "Provedor de geração desconhecido: "+req.Provider, nil)
	}
	keys := trimKeys(req.Keys)
	if len(keys) == 0 {
		return nil, apierr.New(401, apierr.TypeAuth, "Nenhuma chave de geração configurada para este chat.", nil)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = chatTimeout
		if tag == ProviderLocalProxy {
			timeout = localProxyTimeout
		}
	}

	for _, key := range keys {
		ck := cooldown.KeyModel(key, req.Model)
		if !d.cooldowns.Available(ck) {
			continue
		}
		resp, err := d.callKey(ctx, provider, key, req, timeout)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		switch {
		case isDailyQuota(err):
			d.cooldowns.Mark(ck, dailyQuotaCooldown)
			d.log.Warn("generation key hit daily quota, rotating",
				"provider", tag, "model", req.Model, "key", apierr.RedactKey(key))
		case isRateLimit(err):
			d.cooldowns.Mark(ck, rateLimitCooldown)
			d.log.Warn("generation key rate limited, rotating",
				"provider", tag, "model", req.Model, "key", apierr.RedactKey(key))
		default:
			return nil, d.toAPIError(tag, err)
		}
	}

	statuses := make([]apierr.KeyStatus, 0, len(keys))
	for _, key := range keys {
		statuses = append(statuses,
			apierr.KeyStatusFor(key, d.cooldowns.Remaining(cooldown.KeyModel(key, req.Model))))
	}
	return nil, apierr.AllKeysExhausted(req.Model, statuses)
}

// callKey runs one key through the retry envelope. Tool-unsupported errors
// get exactly one retry with the tool declarations stripped.
func (d *Dispatcher) callKey(ctx context.Context, provider Provider, key string, req Request, timeout time.Duration) (*Response, error) {
	attempt := func(r Request) (*Response, error) {
		return retry.RetryOperation(ctx, d.log, retry.Options{
			MaxAttempts: chatMaxAttempts,
			BaseDelay:   chatBaseDelay,
			ShouldRetry: isTransient,
			IsRateLimit: isRateLimit,
		}, func(ctx context.Context) (*Response, error) {
			return retry.WithTimeout(ctx, timeout, func(tctx context.Context) (*Response, error) {
				return provider.Generate(tctx, key, r)
			})
		})
	}

	resp, err := attempt(req)
	if err == nil {
		return resp, nil
	}
	if len(req.Tools) > 0 && isToolUnsupported(err) {
		d.log.Warn("model rejected tool declarations, retrying without tools",
			"provider", provider.Name(), "model", req.Model, "error", err)
		bare := req
		bare.Tools = nil
		return attempt(bare)
	}
	return nil, err
}

func (d *Dispatcher) toAPIError(tag string, err error) error {
	var mod *ModerationError
	if errors.As(err, &mod) {
		return apierr.Moderated(mod.Reasons)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 401 || pe.StatusCode == 403:
			return apierr.New(401, apierr.TypeAuth, "Chave de API inválida ou sem permissão para o modelo.", err)
		case pe.StatusCode == 404:
			return apierr.New(404, apierr.TypeNotFound, "Modelo não encontrado no provedor.", err)
		case tag == ProviderLocalProxy:
			return apierr.New(502, apierr.TypeProxy, "Falha ao comunicar com o proxy local.", err)
		default:
			return apierr.New(502, apierr.TypeServer, "O provedor de geração retornou um erro.", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(504, apierr.TypeServer, "O provedor de geração não respondeu a tempo.", err)
	}
	if tag == ProviderLocalProxy {
		return apierr.New(502, apierr.TypeProxy, "Falha ao comunicar com o proxy local.", err)
	}
	return apierr.New(502, apierr.TypeServer, "Falha ao chamar o provedor de geração.", err)
}

func trimKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// dailyQuotaSignatures mark a 429 as a daily quota, not a burst limit. The
// phrases come from Gemini's RESOURCE_EXHAUSTED payloads and the OpenRouter
// free-tier responses.
var dailyQuotaSignatures = []string{
	"per day",
	"perday",
	"daily",
	"requests_per_day",
	"generaterequestsperday",
	"free-models-per-day",
	"quota exceeded for quota metric",
}

func isDailyQuota(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 429 {
		return false
	}
	body := strings.ToLower(pe.Body)
	for _, sig := range dailyQuotaSignatures {
		if strings.Contains(body, sig) {
			return true
		}
	}
	return false
}

func isRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && (pe.StatusCode == 429 || pe.StatusCode == 503)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var mod *ModerationError
	if errors.As(err, &mod) {
		return false
	}
	if isDailyQuota(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 429 || pe.StatusCode >= 500 || pe.StatusCode == 0
	}
	// Transport-level failures (connection refused, reset) have no status.
	return true
}

// toolUnsupportedSignatures match the 400/404 bodies providers return when a
// model cannot take tool declarations.
var toolUnsupportedSignatures = []string{
	"tool",
	"function",
	"does not support tools",
	"tool use is not supported",
	"function calling is not enabled",
	"no endpoints found that support tool use",
}

func isToolUnsupported(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.StatusCode != 400 && pe.StatusCode != 404 {
		return false
	}
	body := strings.ToLower(pe.Body)
	for _, sig := range toolUnsupportedSignatures {
		if strings.Contains(body, sig) {
			return true
		}
	}
	return false
}
