// Package api provides typed wrappers over authenticated brokerage
// endpoints. All calls go through the signing client; this package owns
// only response decoding.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quantfold/ibkr-oauth/internal/oauth"
	"github.com/shopspring/decimal"
)

// Service issues signed brokerage API calls.
type Service struct {
	client *oauth.Client
	logger *slog.Logger
}

// NewService creates a service over an authenticated client.
func NewService(client *oauth.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, logger: logger}
}

// AuthStatus is the response of the session liveness probe.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	ServerName    string `json:"serverName"`
	Message       string `json:"message"`
}

// AuthStatus probes whether the brokerage session is still live. A false
// Authenticated field means the stored LST no longer works and a fresh
// derivation is needed.
func (s *Service) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	var status AuthStatus
	if err := s.call(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Account is one brokerage account visible to the consumer.
type Account struct {
	ID       string `json:"accountId"`
	Alias    string `json:"accountAlias"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

// Accounts lists the portfolio accounts for the authenticated session.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.call(ctx, http.MethodGet, "/portfolio/accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// SummaryValue is one tagged money amount from the account summary.
type SummaryValue struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// AccountSummary carries the balance fields callers reconcile against.
type AccountSummary struct {
	NetLiquidation SummaryValue `json:"netliquidation"`
	TotalCash      SummaryValue `json:"totalcashvalue"`
	BuyingPower    SummaryValue `json:"buyingpower"`
	AvailableFunds SummaryValue `json:"availablefunds"`
}

// Summary fetches the account summary for one account.
func (s *Service) Summary(ctx context.Context, accountID string) (*AccountSummary, error) {
	var summary AccountSummary
	path := "/portfolio/" + accountID + "/summary"
	if err := s.call(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// LedgerEntry is a per-currency cash ledger row.
type LedgerEntry struct {
	Currency     string          `json:"currency"`
	CashBalance  decimal.Decimal `json:"cashbalance"`
	SettledCash  decimal.Decimal `json:"settledcash"`
	UnrealizedPL decimal.Decimal `json:"unrealizedpnl"`
}

// Ledger fetches the cash ledger, keyed by currency.
func (s *Service) Ledger(ctx context.Context, accountID string) (map[string]LedgerEntry, error) {
	var ledger map[string]LedgerEntry
	path := "/portfolio/" + accountID + "/ledger"
	if err := s.call(ctx, http.MethodGet, path, nil, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// call issues one signed request and decodes the JSON response into out.
func (s *Service) call(ctx context.Context, method, path string, params map[string]string, out any) error {
	resp, err := s.client.Do(ctx, method, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
