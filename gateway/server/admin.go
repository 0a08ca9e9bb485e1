package server

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"crosslend/native/registry"
	"crosslend/native/settlement"
)

type messageResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	SourceChain  string    `json:"sourceChain"`
	DestChain    string    `json:"destChain"`
	Action       string    `json:"action"`
	Asset        string    `json:"asset"`
	Amount       string    `json:"amount"`
	Sender       string    `json:"sender"`
	Receiver     string    `json:"receiver"`
	Nonce        uint64    `json:"nonce"`
	FeeWei       string    `json:"feeWei"`
	Reason       string    `json:"reason,omitempty"`
	RelayReceipt string    `json:"relayReceipt,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type resolveRequest struct {
	Reason string `json:"reason,omitempty"`
}

type inboundRequest struct {
	Payload string `json:"payload"`
}

type assetRequest struct {
	Symbol                  string `json:"symbol"`
	Decimals                uint8  `json:"decimals"`
	LTVBps                  uint64 `json:"ltvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	Collateral              bool   `json:"collateral"`
	Borrowable              bool   `json:"borrowable"`
	Active                  bool   `json:"active"`
	PriceFeed               string `json:"priceFeed"`
}

type activeRequest struct {
	Active bool `json:"active"`
}

type priceRequest struct {
	Asset      string `json:"asset"`
	PriceUSD   string `json:"priceUsd"`
	ObservedAt string `json:"observedAt,omitempty"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	msg, err := s.settlements.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.reject(w, r, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, messagePayload(msg))
}

func (s *Server) handleInFlight(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.settlements.ListInFlight()
	if err != nil {
		s.reject(w, r, "", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetInFlight(len(msgs))
	}
	payload := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		payload = append(payload, messagePayload(msg))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": payload})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.RetrySettlement(chi.URLParam(r, "id"))
	if err != nil {
		s.reject(w, r, "retry", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement("retried")
	}
	s.writeJSON(w, http.StatusOK, receiptPayload(receipt))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.settlements.OnDeliveryConfirmed(chi.URLParam(r, "id")); err != nil {
		s.reject(w, r, "confirm", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement(string(settlement.StatusDelivered))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "relay failure reported"
	}
	if err := s.settlements.OnDeliveryFailed(chi.URLParam(r, "id"), req.Reason); err != nil {
		s.reject(w, r, "fail", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement(string(settlement.StatusFailed))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if !s.decode(w, r, &req) {
		return
	}
	payload, err := hexutil.Decode(req.Payload)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_payload", "payload must be 0x-prefixed hex")
		return
	}
	msg, err := s.settlements.HandleInbound(payload)
	if err != nil {
		s.reject(w, r, "inbound", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement("inbound")
	}
	s.writeJSON(w, http.StatusOK, messagePayload(msg))
}

func (s *Server) handleUpsertAsset(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := registry.AssetConfig{
		AssetID:                 req.Symbol,
		Decimals:                req.Decimals,
		LTVBps:                  req.LTVBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		CanBeCollateral:         req.Collateral,
		CanBeBorrowed:           req.Borrowable,
		Active:                  req.Active,
		PriceFeedRef:            req.PriceFeed,
	}
	if err := s.registry.Upsert(cfg); err != nil {
		s.writeError(w, r, http.StatusUnprocessableEntity, "invalid_asset_config", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handleSetAssetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.registry.SetActive(chi.URLParam(r, "symbol"), req.Active); err != nil {
		s.reject(w, r, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, r, http.StatusNotImplemented, "manual_prices_disabled", "no manual price source configured")
		return
	}
	var req priceRequest
	if !s.decode(w, r, &req) {
		return
	}
	observedAt := s.now()
	if req.ObservedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ObservedAt)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_timestamp", "observedAt must be RFC 3339")
			return
		}
		observedAt = parsed
	}
	if err := s.prices.SetDecimal(req.Asset, req.PriceUSD, observedAt); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_price", err.Error())
		return
	}
	s.logger.Info("manual price updated", "asset", req.Asset, "observed_at", observedAt)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Module == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_module", "module name required")
		return
	}
	s.pauses.Set(req.Module, req.Paused)
	s.logger.Info("module pause updated", "module", req.Module, "paused", req.Paused)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func messagePayload(msg *settlement.Message) messageResponse {
	resp := messageResponse{
		ID:           msg.ID,
		Status:       string(msg.Status),
		SourceChain:  msg.SourceChain,
		DestChain:    msg.DestChain,
		Action:       string(msg.Action),
		Asset:        msg.Asset,
		Amount:       msg.Amount.String(),
		Sender:       msg.Sender.Hex(),
		Receiver:     msg.Receiver.Hex(),
		Nonce:        msg.Nonce,
		Reason:       msg.Reason,
		RelayReceipt: msg.RelayReceipt,
		CreatedAt:    msg.CreatedAt,
		UpdatedAt:    msg.UpdatedAt,
	}
	if msg.FeeWei != nil {
		resp.FeeWei = msg.FeeWei.String()
	}
	return resp
}
