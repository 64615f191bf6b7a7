package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"creditmarket/crypto"
	"creditmarket/native/market"
)

type marketAmountParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type marketExecuteParams struct {
	Lender string `json:"lender"`
	Expiry uint64 `json:"expiry"`
}

type marketCallerParams struct {
	Caller string `json:"caller"`
}

type marketAccountParams struct {
	Address string `json:"address"`
}

type marketBatchParams struct {
	Expiry uint64 `json:"expiry"`
}

type marketStateResult struct {
	State      *market.MarketState `json:"state"`
	HeldAssets *big.Int            `json:"heldAssets"`
	Unpaid     []uint64            `json:"unpaidBatches"`
}

type marketAccountResult struct {
	Address           string   `json:"address"`
	NormalizedBalance *big.Int `json:"normalizedBalance"`
	ScaledBalance     *big.Int `json:"scaledBalance"`
}

type marketAmountResult struct {
	Amount *big.Int `json:"amount"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	return crypto.DecodeAddress(trimmed)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", raw)
	}
	return amount, nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) string {
	s.logger.Warn("market call failed", "method", req.Method, "err", err)
	writeError(w, http.StatusOK, req.ID, codeServerError, err.Error(), nil)
	return "error"
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	lender, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	if err := s.engine.Deposit(lender, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: amount})
	return "ok"
}

func (s *Server) handleDepositUpTo(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	lender, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	actual, err := s.engine.DepositUpTo(lender, amount)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: actual})
	return "ok"
}

func (s *Server) handleWithdrawRequest(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	lender, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	if err := s.engine.WithdrawRequest(lender, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: amount})
	return "ok"
}

func (s *Server) handleExecuteWithdrawal(w http.ResponseWriter, req *RPCRequest) string {
	var params marketExecuteParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	lender, err := parseAddress(params.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	paid, err := s.engine.ExecuteWithdrawal(lender, params.Expiry)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: paid})
	return "ok"
}

func (s *Server) handleBorrow(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	if err := s.engine.Borrow(caller, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: amount})
	return "ok"
}

func (s *Server) handleRepay(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	payer, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	if err := s.engine.Repay(payer, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: amount})
	return "ok"
}

func (s *Server) handleCollectFees(w http.ResponseWriter, req *RPCRequest) string {
	collected, err := s.engine.CollectFees()
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAmountResult{Amount: collected})
	return "ok"
}

func (s *Server) handleClose(w http.ResponseWriter, req *RPCRequest) string {
	var params marketCallerParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	if err := s.engine.Close(caller); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"closed": true})
	return "ok"
}

func (s *Server) handleUpdateState(w http.ResponseWriter, req *RPCRequest) string {
	if err := s.engine.UpdateState(); err != nil {
		return s.writeEngineError(w, req, err)
	}
	return s.handleGetState(w, req)
}

func (s *Server) handleGetState(w http.ResponseWriter, req *RPCRequest) string {
	st, err := s.engine.CurrentState()
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	held, err := s.engine.HeldAssets()
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	unpaid, err := s.engine.UnpaidBatches()
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	s.metrics.UpdateMarketGauges(st.ScaleFactor, st.LiquidityRequired(), held, st.IsDelinquent)
	writeResult(w, req.ID, marketStateResult{State: st, HeldAssets: held, Unpaid: unpaid})
	return "ok"
}

func (s *Server) handleGetAccount(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAccountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	normalized, err := s.engine.BalanceOf(addr)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	scaled, err := s.engine.ScaledBalanceOf(addr)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, marketAccountResult{
		Address:           addr.String(),
		NormalizedBalance: normalized,
		ScaledBalance:     scaled,
	})
	return "ok"
}

func (s *Server) handleGetBatch(w http.ResponseWriter, req *RPCRequest) string {
	var params marketBatchParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return "bad_params"
	}
	batch, err := s.engine.BatchStatus(params.Expiry)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, batch)
	return "ok"
}
