package server

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"crosslend/native/ledger"
	"crosslend/native/risk"
)

type actionRequest struct {
	Address   string `json:"address"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	DestChain string `json:"destChain,omitempty"`
}

type liquidateRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	RepayAmount     string `json:"repayAmount"`
	CollateralAsset string `json:"collateralAsset"`
}

type receiptResponse struct {
	Status       string    `json:"status"`
	Action       string    `json:"action"`
	Address      string    `json:"address"`
	Asset        string    `json:"asset"`
	Amount       string    `json:"amount"`
	HealthFactor string    `json:"healthFactor,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	FeeWei       string    `json:"feeWei,omitempty"`
	CommittedAt  time.Time `json:"committedAt"`
}

type liquidationResponse struct {
	Status          string    `json:"status"`
	Liquidator      string    `json:"liquidator"`
	Borrower        string    `json:"borrower"`
	DebtAsset       string    `json:"debtAsset"`
	Repaid          string    `json:"repaid"`
	CollateralAsset string    `json:"collateralAsset"`
	Seized          string    `json:"seized"`
	HealthBefore    string    `json:"healthBefore"`
	HealthAfter     string    `json:"healthAfter,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type positionResponse struct {
	Address            string            `json:"address"`
	Collateral         map[string]string `json:"collateral"`
	Debt               map[string]string `json:"debt"`
	ReservedCollateral map[string]string `json:"reservedCollateral"`
	ReservedDebt       map[string]string `json:"reservedDebt"`
	LastUpdate         time.Time         `json:"lastUpdate"`
}

type healthResponse struct {
	Address           string `json:"address"`
	CollateralUSD     string `json:"collateralUsd"`
	DebtUSD           string `json:"debtUsd"`
	BorrowCapacityUSD string `json:"borrowCapacityUsd"`
	HealthFactor      string `json:"healthFactor,omitempty"`
	PriceStale        bool   `json:"priceStale"`
}

type assetResponse struct {
	Symbol                  string `json:"symbol"`
	Decimals                uint8  `json:"decimals"`
	LTVBps                  uint64 `json:"ltvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	Collateral              bool   `json:"collateral"`
	Borrowable              bool   `json:"borrowable"`
	Active                  bool   `json:"active"`
	PriceFeed               string `json:"priceFeed"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, risk.ActionDeposit, func(addr common.Address, req actionRequest, amount *big.Int) (*risk.Receipt, error) {
		return s.engine.Deposit(addr, req.Asset, amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, risk.ActionWithdraw, func(addr common.Address, req actionRequest, amount *big.Int) (*risk.Receipt, error) {
		return s.engine.Withdraw(addr, req.Asset, amount, req.DestChain)
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, risk.ActionBorrow, func(addr common.Address, req actionRequest, amount *big.Int) (*risk.Receipt, error) {
		return s.engine.Borrow(addr, req.Asset, amount, req.DestChain)
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, risk.ActionRepay, func(addr common.Address, req actionRequest, amount *big.Int) (*risk.Receipt, error) {
		return s.engine.Repay(addr, req.Asset, amount)
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, action string, run func(common.Address, actionRequest, *big.Int) (*risk.Receipt, error)) {
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, r, req.Address)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, r, req.Amount)
	if !ok {
		return
	}
	receipt, err := run(addr, req, amount)
	if err != nil {
		s.reject(w, r, action, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAction(action, "committed")
	}
	s.writeJSON(w, http.StatusOK, receiptPayload(receipt))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, ok := s.parseAddress(w, r, req.Liquidator)
	if !ok {
		return
	}
	borrower, ok := s.parseAddress(w, r, req.Borrower)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, r, req.RepayAmount)
	if !ok {
		return
	}
	event, err := s.liquidations.Liquidate(liquidator, borrower, req.DebtAsset, amount, req.CollateralAsset)
	if err != nil {
		s.reject(w, r, "liquidate", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAction("liquidate", "committed")
		s.metrics.RecordLiquidation()
	}
	resp := liquidationResponse{
		Status:          "committed",
		Liquidator:      event.Liquidator.Hex(),
		Borrower:        event.Borrower.Hex(),
		DebtAsset:       event.DebtAsset,
		Repaid:          event.Repaid.String(),
		CollateralAsset: event.CollateralAsset,
		Seized:          event.Seized.String(),
		HealthBefore:    event.HealthBefore.String(),
		OccurredAt:      event.OccurredAt,
	}
	if event.HealthAfter != nil {
		resp.HealthAfter = event.HealthAfter.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	position, err := s.engine.Position(addr)
	if err != nil {
		s.reject(w, r, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionPayload(position))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.parseAddress(w, r, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	snapshot, err := s.engine.HealthSnapshot(addr)
	if err != nil {
		s.reject(w, r, "", err)
		return
	}
	resp := healthResponse{
		Address:           snapshot.Address.Hex(),
		CollateralUSD:     snapshot.CollateralUSD.String(),
		DebtUSD:           snapshot.DebtUSD.String(),
		BorrowCapacityUSD: snapshot.BorrowCapacityUSD.String(),
		PriceStale:        snapshot.PriceStale,
	}
	if snapshot.HealthFactor != nil {
		resp.HealthFactor = snapshot.HealthFactor.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	configs := s.registry.Configs()
	assets := make([]assetResponse, 0, len(configs))
	for _, cfg := range configs {
		assets = append(assets, assetResponse{
			Symbol:                  cfg.AssetID,
			Decimals:                cfg.Decimals,
			LTVBps:                  cfg.LTVBps,
			LiquidationThresholdBps: cfg.LiquidationThresholdBps,
			Collateral:              cfg.CanBeCollateral,
			Borrowable:              cfg.CanBeBorrowed,
			Active:                  cfg.Active,
			PriceFeed:               cfg.PriceFeedRef,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (s *Server) parseAddress(w http.ResponseWriter, r *http.Request, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_address", "address must be a 0x-prefixed hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) parseAmount(w http.ResponseWriter, r *http.Request, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_amount", "amount must be a positive decimal string")
		return nil, false
	}
	return amount, true
}

func receiptPayload(receipt *risk.Receipt) receiptResponse {
	resp := receiptResponse{
		Status:      "committed",
		Action:      receipt.Action,
		Address:     receipt.Address.Hex(),
		Asset:       receipt.Asset,
		Amount:      receipt.Amount.String(),
		MessageID:   receipt.MessageID,
		CommittedAt: receipt.CommittedAt,
	}
	if receipt.HealthFactor != nil {
		resp.HealthFactor = receipt.HealthFactor.String()
	}
	if receipt.FeeWei != nil {
		resp.FeeWei = receipt.FeeWei.String()
	}
	return resp
}

func positionPayload(position *ledger.Position) positionResponse {
	return positionResponse{
		Address:            position.Address.Hex(),
		Collateral:         stringAmounts(position.Collateral),
		Debt:               stringAmounts(position.Debt),
		ReservedCollateral: stringAmounts(position.ReservedCollateral),
		ReservedDebt:       stringAmounts(position.ReservedDebt),
		LastUpdate:         position.LastUpdate,
	}
}

func stringAmounts(balances map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(balances))
	for asset, amount := range balances {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		out[asset] = amount.String()
	}
	return out
}
