// Package api exposes the settlement engine over HTTP.
//
// The caller of every state-changing request is taken from the X-Account
// header. Authenticating that header is left to the deployment (gateway,
// signed requests); the engine only authorizes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/market"
	"github.com/atmx/parimutuel/internal/model"
)

// CallerHeader carries the address of the account making the request.
const CallerHeader = "X-Account"

// Service holds the HTTP handlers.
type Service struct {
	engine *market.Engine
	hub    *WSHub // optional
}

// NewService creates the handlers. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(engine *market.Engine, hub *WSHub) *Service {
	return &Service{engine: engine, hub: hub}
}

// Routes mounts every /api/v1 endpoint on r.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/pairs", func(r chi.Router) {
		r.Get("/", s.ListPairs)
		r.Post("/", s.OpenPair)
		r.Route("/{pairID}", func(r chi.Router) {
			r.Get("/", s.GetPair)
			r.Get("/history", s.GetPairHistory)
			r.Get("/rewards", s.GetReward)
			r.Post("/stakes", s.Stake)
			r.Post("/votes", s.Vote)
			r.Post("/claims", s.Claim)
			r.Post("/creation-rewards", s.ClaimCreationRewards)
			r.Post("/result", s.SetResult)
			r.Post("/pause", s.Pause)
		})
	})

	r.Post("/vault/withdrawals", s.WithdrawToVault)
	r.Get("/accounts/{address}/history", s.GetAccountHistory)

	r.Get("/chips", s.ListChips)
	r.Post("/chips", s.AddChips)
	r.Put("/chips/{address}", s.UpdateChip)

	r.Get("/protocol/creation-fee", s.GetCreationFee)
	r.Put("/protocol/creation-fee", s.SetCreationFee)
}

// --- Request/Response types ---

// StakeRequest is the JSON body for POST /pairs/{pairID}/stakes.
type StakeRequest struct {
	OutcomeID uint16          `json:"outcome_id"`
	Amount    decimal.Decimal `json:"amount"` // raw chip units
}

// StakeResponse is returned from a stake.
type StakeResponse struct {
	ledger.Receipt
	Warning string `json:"warning,omitempty"`
}

// VoteRequest is the JSON body for POST /pairs/{pairID}/votes. Force votes
// to void the pair and ignores OutcomeID.
type VoteRequest struct {
	OutcomeID uint16 `json:"outcome_id"`
	Force     bool   `json:"force"`
}

// ClaimRequest is the JSON body for POST /pairs/{pairID}/claims.
type ClaimRequest struct {
	OutcomeID    uint16 `json:"outcome_id"`
	MaxTierLevel uint8  `json:"max_tier_level"`
}

// ClaimResponse is returned from a claim.
type ClaimResponse struct {
	*market.ClaimResult
	Warning string `json:"warning,omitempty"`
}

// ResultRequest is the JSON body for POST /pairs/{pairID}/result.
type ResultRequest struct {
	OutcomeID uint16 `json:"outcome_id"`
	ForceVoid bool   `json:"force_void"`
}

// PauseRequest is the JSON body for POST /pairs/{pairID}/pause.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// WithdrawRequest is the JSON body for POST /vault/withdrawals.
type WithdrawRequest struct {
	PairIDs []uint64 `json:"pair_ids"`
}

// AddChipsRequest is the JSON body for POST /chips.
type AddChipsRequest struct {
	Addresses []common.Address `json:"addresses"`
}

// UpdateChipRequest is the JSON body for PUT /chips/{address}.
type UpdateChipRequest struct {
	Status string `json:"status"` // "valid" or "invalid"
}

// CreationFeeRequest is the JSON body for PUT /protocol/creation-fee.
type CreationFeeRequest struct {
	Ratio uint16 `json:"ratio"` // out of 10000
}

// --- Helpers ---

func caller(r *http.Request) (common.Address, error) {
	h := strings.TrimSpace(r.Header.Get(CallerHeader))
	if !common.IsHexAddress(h) {
		return common.Address{}, errUnauthorized
	}
	addr := common.HexToAddress(h)
	if addr == (common.Address{}) {
		return common.Address{}, errUnauthorized
	}
	return addr, nil
}

func pairID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "pairID"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: pair id %q", errBadRequest, chi.URLParam(r, "pairID"))
	}
	return id, nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	v := chi.URLParam(r, name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: address %q", errBadRequest, v)
	}
	return common.HexToAddress(v), nil
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return nil
}

// postCommitWarning splits a post-commit failure from a real error.
func postCommitWarning(err error) (string, bool) {
	if err != nil && errors.Is(err, market.ErrPostCommit) {
		return err.Error(), true
	}
	return "", false
}

// --- HTTP Handlers ---

// OpenPair handles POST /api/v1/pairs
func (s *Service) OpenPair(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req market.OpenParams
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	view, err := s.engine.Open(r.Context(), who, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListPairs handles GET /api/v1/pairs
func (s *Service) ListPairs(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Pairs(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if views == nil {
		views = []model.PairView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPair handles GET /api/v1/pairs/{pairID}
func (s *Service) GetPair(w http.ResponseWriter, r *http.Request) {
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	detail, err := s.engine.Pair(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetPairHistory handles GET /api/v1/pairs/{pairID}/history
func (s *Service) GetPairHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	entries, err := s.engine.History(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAccountHistory handles GET /api/v1/accounts/{address}/history
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	entries, err := s.engine.AccountHistory(r.Context(), addr)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetReward handles GET /api/v1/pairs/{pairID}/rewards?player=&outcome_id=&level=
func (s *Service) GetReward(w http.ResponseWriter, r *http.Request) {
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	q := r.URL.Query()
	player := q.Get("player")
	if !common.IsHexAddress(player) {
		writeError(w, "player must be an address", http.StatusBadRequest)
		return
	}
	outcome, err := strconv.ParseUint(q.Get("outcome_id"), 10, 16)
	if err != nil {
		writeError(w, "outcome_id must be an integer", http.StatusBadRequest)
		return
	}
	var level uint64
	if v := q.Get("level"); v != "" {
		if level, err = strconv.ParseUint(v, 10, 8); err != nil {
			writeError(w, "level must be an integer", http.StatusBadRequest)
			return
		}
	}

	reward, err := s.engine.RewardOf(r.Context(), id, uint16(outcome), uint8(level), common.HexToAddress(player))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

// Stake handles POST /api/v1/pairs/{pairID}/stakes
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req StakeRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	receipt, err := s.engine.Stake(r.Context(), who, id, req.OutcomeID, req.Amount)
	warning, ok := postCommitWarning(err)
	if err != nil && !ok {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StakeResponse{Receipt: receipt, Warning: warning})
}

// Vote handles POST /api/v1/pairs/{pairID}/votes
func (s *Service) Vote(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req VoteRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	decision, err := s.engine.Close(r.Context(), who, id, req.OutcomeID, req.Force)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Claim handles POST /api/v1/pairs/{pairID}/claims
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	res, err := s.engine.Claim(r.Context(), who, id, req.OutcomeID, req.MaxTierLevel)
	warning, ok := postCommitWarning(err)
	if err != nil && !ok {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{ClaimResult: res, Warning: warning})
}

// ClaimCreationRewards handles POST /api/v1/pairs/{pairID}/creation-rewards
func (s *Service) ClaimCreationRewards(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	amount, err := s.engine.ClaimCreationRewards(r.Context(), who, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

// SetResult handles POST /api/v1/pairs/{pairID}/result
func (s *Service) SetResult(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req ResultRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	result, err := s.engine.SetResultID(r.Context(), who, id, req.OutcomeID, req.ForceVoid)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint16{"result_id": result})
}

// Pause handles POST /api/v1/pairs/{pairID}/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	id, err := pairID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req PauseRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	if err := s.engine.PausePair(r.Context(), who, id, req.Paused); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// WithdrawToVault handles POST /api/v1/vault/withdrawals
func (s *Service) WithdrawToVault(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	sweeps, err := s.engine.WithdrawToVault(r.Context(), who, req.PairIDs)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweeps)
}

// ListChips handles GET /api/v1/chips
func (s *Service) ListChips(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Chips(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Chip{}
	}
	writeJSON(w, http.StatusOK, list)
}

// AddChips handles POST /api/v1/chips
func (s *Service) AddChips(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req AddChipsRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	added, err := s.engine.AddChips(r.Context(), who, req.Addresses)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// UpdateChip handles PUT /api/v1/chips/{address}
func (s *Service) UpdateChip(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	addr, err := addressParam(r, "address")
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req UpdateChipRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	var status model.ChipStatus
	switch req.Status {
	case "valid":
		status = model.ChipValid
	case "invalid":
		status = model.ChipInvalid
	default:
		writeError(w, "status must be valid or invalid", http.StatusBadRequest)
		return
	}

	c, err := s.engine.UpdateChip(r.Context(), who, addr, status)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetCreationFee handles GET /api/v1/protocol/creation-fee
func (s *Service) GetCreationFee(w http.ResponseWriter, r *http.Request) {
	ratio, err := s.engine.CreationFee(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreationFeeRequest{Ratio: ratio})
}

// SetCreationFee handles PUT /api/v1/protocol/creation-fee
func (s *Service) SetCreationFee(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req CreationFeeRequest
	if err := decode(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}

	if err := s.engine.SetCreationFee(r.Context(), who, req.Ratio); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
