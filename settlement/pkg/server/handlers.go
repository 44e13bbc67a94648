package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/chain"
	"github.com/powersol/settlement/settlement/pkg/claim"
	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

type winnerResponse struct {
	draw.Winner
	AmountSOL string `json:"prize_amount_sol"`
}

type drawResultResponse struct {
	draw.Result
	PrizePoolSOL string           `json:"prize_pool_sol"`
	Winners      []winnerResponse `json:"winners"`
}

func newDrawResult(r draw.Result) drawResultResponse {
	out := drawResultResponse{
		Result:       r,
		PrizePoolSOL: chain.LamportsToSOL(r.PrizePool),
		Winners:      make([]winnerResponse, len(r.Winners)),
	}
	for i, w := range r.Winners {
		out.Winners[i] = winnerResponse{Winner: w, AmountSOL: chain.LamportsToSOL(w.Amount)}
	}
	return out
}

type executeRequest struct {
	RoundID uint64 `json:"round_id,omitempty"`
}

type executeResponse struct {
	Results []drawResultResponse `json:"results"`
}

// handleExecuteDraws draws every due round, or only round_id when the body names one.
func (s *Server) handleExecuteDraws(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	var results []draw.Result
	if req.RoundID != 0 {
		res, err := s.cfg.Draws.DrawRound(r.Context(), req.RoundID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		results = []draw.Result{res}
	} else {
		var err error
		results, err = s.cfg.Draws.ExecuteDue(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if len(results) > 0 && s.cfg.OnDrawn != nil {
		s.cfg.OnDrawn(r.Context())
	}

	resp := executeResponse{Results: make([]drawResultResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = newDrawResult(res)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrawStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.cfg.Status.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

const (
	defaultDrawsLimit = 50
	maxDrawsLimit     = 100
)

type drawRecordResponse struct {
	lottery.DrawRecord
	RandomnessHex string          `json:"randomness_hex"`
	PrizePoolSOL  string          `json:"prize_pool_sol"`
	DustSOL       string          `json:"dust_sol"`
	Prizes        []prizeResponse `json:"prizes,omitempty"`
}

func newDrawRecord(d lottery.DrawRecord) drawRecordResponse {
	out := drawRecordResponse{
		DrawRecord:    d,
		RandomnessHex: hex.EncodeToString(d.Randomness),
		PrizePoolSOL:  chain.LamportsToSOL(d.PrizePool),
		DustSOL:       chain.LamportsToSOL(d.Dust),
	}
	if d.Prizes != nil {
		out.Prizes = make([]prizeResponse, len(d.Prizes))
		for i, p := range d.Prizes {
			out.Prizes[i] = prizeResponse{Prize: p, AmountSOL: chain.LamportsToSOL(p.Amount)}
		}
	}
	return out
}

// handleListDraws lists settled draws with the randomness each was shuffled with.
func (s *Server) handleListDraws(w http.ResponseWriter, r *http.Request) {
	limit := defaultDrawsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid limit %q", v)))
			return
		}
		limit = min(n, maxDrawsLimit)
	}
	draws, err := s.cfg.Ledger.Draws(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]drawRecordResponse, len(draws))
	for i, d := range draws {
		resp[i] = newDrawRecord(d)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"draws": resp})
}

func (s *Server) handleGetDraw(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, apperr.Validation(apperr.ReasonInvalidInput, "invalid draw id"))
		return
	}
	d, err := s.cfg.Ledger.Draw(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newDrawRecord(d))
}

type prepareRequest struct {
	Kind     claim.Kind `json:"kind"`
	PrizeID  string     `json:"prize_id,omitempty"`
	Week     *uint64    `json:"week_number,omitempty"`
	Claimant string     `json:"claimant"`
}

func (req prepareRequest) subject() (claim.Subject, error) {
	switch req.Kind {
	case claim.KindPrize:
		id, err := uuid.Parse(req.PrizeID)
		if err != nil {
			return claim.Subject{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid prize_id %q", req.PrizeID))
		}
		return claim.Subject{Kind: claim.KindPrize, PrizeID: id}, nil
	case claim.KindAffiliate:
		if req.Week == nil {
			return claim.Subject{}, apperr.Validation(apperr.ReasonInvalidInput, "week_number is required")
		}
		return claim.Subject{Kind: claim.KindAffiliate, Week: *req.Week}, nil
	}
	return claim.Subject{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("unknown claim kind %q", req.Kind))
}

type prepareResponse struct {
	ClaimID     uuid.UUID      `json:"claim_id"`
	UnsignedTx  string         `json:"unsigned_tx"`
	Metadata    claim.Metadata `json:"chain_metadata"`
	AmountSOL   string         `json:"amount_sol"`
	SubjectKey  string         `json:"subject_key"`
	ClaimStatus claim.Status   `json:"status"`
}

func (s *Server) handlePrepareClaim(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	subject, err := req.subject()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claimant, err := parseWallet(req.Claimant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	prepared, err := s.cfg.Claims.Prepare(r.Context(), subject, claimant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prepareResponse{
		ClaimID:     prepared.Claim.ID,
		UnsignedTx:  prepared.Transaction,
		Metadata:    prepared.Metadata,
		AmountSOL:   chain.LamportsToSOL(prepared.Claim.Amount),
		SubjectKey:  prepared.Claim.SubjectKey,
		ClaimStatus: prepared.Claim.Status,
	})
}

type submitRequest struct {
	ClaimID  string `json:"claim_id"`
	SignedTx string `json:"signed_tx"`
}

type submitResponse struct {
	ClaimID   uuid.UUID    `json:"claim_id"`
	Signature string       `json:"signature"`
	Status    claim.Status `json:"status"`
	Pending   bool         `json:"pending"`
}

// handleSubmitClaim answers 202 when confirmation is still outstanding; the client
// submits again to re-check the same signature.
func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(req.ClaimID)
	if err != nil {
		s.writeError(w, r, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid claim_id %q", req.ClaimID)))
		return
	}
	if req.SignedTx == "" {
		s.writeError(w, r, apperr.Validation(apperr.ReasonInvalidInput, "signed_tx is required"))
		return
	}

	out, err := s.cfg.Claims.Submit(r.Context(), id, req.SignedTx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Pending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, submitResponse{
		ClaimID:   id,
		Signature: out.Signature,
		Status:    out.Claim.Status,
		Pending:   out.Pending,
	})
}

type claimResponse struct {
	claim.Claim
	AmountSOL string `json:"amount_sol"`
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, apperr.Validation(apperr.ReasonInvalidInput, "invalid claim id"))
		return
	}
	c, err := s.cfg.Claims.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{Claim: c, AmountSOL: chain.LamportsToSOL(c.Amount)})
}

type registerRequest struct {
	Wallet string `json:"wallet"`
}

func (s *Server) handleRegisterAffiliate(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := parseWallet(req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	aff, err := s.cfg.Affiliates.Register(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, aff)
}

type weekResponse struct {
	affiliate.WeekAccumulator
	EarnedSOL string `json:"earned_sol"`
}

type weeksResponse struct {
	Wallet solana.PublicKey `json:"wallet"`
	Weeks  []weekResponse   `json:"weeks"`
}

func (s *Server) handleAffiliateWeeks(w http.ResponseWriter, r *http.Request) {
	wallet, err := parseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	weeks, err := s.cfg.Affiliates.Weeks(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := weeksResponse{Wallet: wallet, Weeks: make([]weekResponse, len(weeks))}
	for i, wk := range weeks {
		resp.Weeks[i] = weekResponse{WeekAccumulator: wk, EarnedSOL: chain.LamportsToSOL(wk.Earned)}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTierHistory(w http.ResponseWriter, r *http.Request) {
	wallet, err := parseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changes, err := s.cfg.Affiliates.TierHistory(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "changes": changes})
}

type prizeResponse struct {
	lottery.Prize
	AmountSOL string `json:"amount_sol"`
}

func (s *Server) handleWalletPrizes(w http.ResponseWriter, r *http.Request) {
	wallet, err := parseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prizes, err := s.cfg.Prizes.WalletPrizes(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]prizeResponse, len(prizes))
	for i, p := range prizes {
		resp[i] = prizeResponse{Prize: p, AmountSOL: chain.LamportsToSOL(p.Amount)}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "prizes": resp})
}
