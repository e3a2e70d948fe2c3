// Package ledger settles provider usage against team credit balances.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"herobot/internal/pricing"
	"herobot/internal/providers"
	"herobot/internal/storage"
)

type Service struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "ledger").Logger()}
}

// HasCredits checks the team balance against an estimated cost in credits.
func (s *Service) HasCredits(ctx context.Context, teamID int64, estimatedCredits float64) (bool, error) {
	balance, err := s.store.BalanceMicro(ctx, teamID)
	if err != nil {
		return false, fmt.Errorf("check balance: %w", err)
	}
	return balance >= pricing.ToMicro(estimatedCredits), nil
}

// RecordModelUsage prices one provider call and debits the team. The charge
// folds into the team's aggregated daily usage transaction. elapsed is the
// wall time of the provider call; zero when unknown.
func (s *Service) RecordModelUsage(ctx context.Context, teamID, botID int64, provider, model, operation string, usage providers.TokenUsage, elapsed time.Duration, now time.Time) error {
	credits := pricing.Cost(provider, model, usage.InputTokens, usage.OutputTokens)
	micro := pricing.ToMicro(credits)

	var tokensPerSecond float64
	if secs := elapsed.Seconds(); secs > 0 && usage.OutputTokens > 0 {
		tokensPerSecond = float64(usage.OutputTokens) / secs
	}

	err := s.store.RecordUsage(ctx, storage.TokenUsage{
		TeamID:          teamID,
		BotID:           botID,
		Provider:        provider,
		Model:           model,
		Operation:       operation,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		TotalTokens:     usage.TotalTokens,
		TokensPerSecond: tokensPerSecond,
		CreditsMicro:    micro,
	}, now)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	s.log.Info().
		Int64("team_id", teamID).
		Str("provider", provider).
		Str("model", model).
		Str("operation", operation).
		Int64("input_tokens", usage.InputTokens).
		Int64("output_tokens", usage.OutputTokens).
		Int64("credits_micro", micro).
		Msg("usage recorded")
	return nil
}

// TopUp credits a team, amount given in whole credits.
func (s *Service) TopUp(ctx context.Context, teamID int64, credits float64, description string) error {
	if credits <= 0 {
		return fmt.Errorf("top-up amount must be positive")
	}
	if err := s.store.AddCredits(ctx, teamID, pricing.ToMicro(credits), description); err != nil {
		return fmt.Errorf("top up: %w", err)
	}
	return nil
}

// Balance returns the team's balance in whole credits.
func (s *Service) Balance(ctx context.Context, teamID int64) (float64, error) {
	micro, err := s.store.BalanceMicro(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return pricing.FromMicro(micro), nil
}
