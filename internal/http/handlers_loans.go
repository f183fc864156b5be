package http

import (
	"net/http"

	"loanledger/internal/core"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
)

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request, userID string) {
	var req createLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		FromError(r, err).Write(w)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		FromError(r, loans.ValidationError(err)).Write(w)
		return
	}
	params, err := req.params(userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}

	loan, err := s.service.CreateLoan(r.Context(), params)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/loans/"+loan.ID.String()).
		JSON(newLoanResponse(loan)).
		Write(w)
}

// handleListLoans lists the caller's loans, optionally filtered by ?status.
func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request, userID string) {
	status := core.LoanStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		BadRequestError("unknown status " + string(status)).Write(w)
		return
	}

	list, err := s.service.ListLoans(r.Context(), userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	out := make([]loanResponse, 0, len(list))
	for _, l := range list {
		if status == "" || l.Status == status {
			out = append(out, newLoanResponse(l))
		}
	}
	NewJSONResponse().JSON(out).Write(w)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	loan, err := s.service.GetLoan(r.Context(), loanID, userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newLoanResponse(loan)).Write(w)
}

func (s *Server) handleUpdateLoanStatus(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		FromError(r, err).Write(w)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		FromError(r, loans.ValidationError(err)).Write(w)
		return
	}

	loan, err := s.service.UpdateLoanStatus(r.Context(), loanID, userID, req.Status)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newLoanResponse(loan)).Write(w)
}

func (s *Server) handleMakePayment(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		FromError(r, err).Write(w)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		FromError(r, loans.ValidationError(err)).Write(w)
		return
	}
	amount, err := parseAmount("amount", req.Amount.String())
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	paymentReq := loans.PaymentRequest{
		LoanID:       loanID,
		UserID:       userID,
		Amount:       amount,
		IsPrePayment: req.IsPrePayment,
	}
	if req.Date != "" {
		if paymentReq.Date, err = parseDate(req.Date); err != nil {
			FromError(r, err).Write(w)
			return
		}
	}

	res, err := s.service.MakePayment(r.Context(), paymentReq)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	s.structured.LogPaymentSettled(r.Context(), userID, loanID.String(), res.Payment.ID.String(),
		res.Payment.Amount.StringFixed(2), res.Loan.CurrentBalance.StringFixed(2))

	NewJSONResponse().
		Status(http.StatusCreated).
		JSON(paymentResultResponse{
			Payment:  newPaymentResponse(res.Payment),
			Loan:     newLoanResponse(res.Loan),
			Scenario: newScenarioResponse(res.Scenario),
		}).
		Write(w)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	payments, err := s.service.ListPayments(r.Context(), loanID, userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newPaymentList(payments)).Write(w)
}

// handleGenerateSchedule (re)creates the loan's SCHEDULED payments.
func (s *Server) handleGenerateSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	if _, err := s.service.GetLoan(r.Context(), loanID, userID); err != nil {
		FromError(r, err).Write(w)
		return
	}
	payments, err := s.service.CreateScheduledPayments(r.Context(), loanID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	applog.FromContext(r.Context()).InfoContext(r.Context(), "Schedule generated",
		applog.FieldLoanID, loanID,
		applog.FieldOperation, applog.OpSchedule,
		"payments", len(payments))
	NewJSONResponse().Status(http.StatusCreated).JSON(newPaymentList(payments)).Write(w)
}

func (s *Server) handleProjectSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	rows, err := s.service.ProjectSchedule(r.Context(), loanID, userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newScheduleResponse(rows)).Write(w)
}

// handlePrepaymentScenario projects ?amount as a prepayment without applying it.
func (s *Server) handlePrepaymentScenario(w http.ResponseWriter, r *http.Request, userID string) {
	loanID, err := pathUUID(r, "loanID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	amount, err := queryAmount(r.URL.Query(), "amount")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	scenario, err := s.service.CalculatePrePaymentScenario(r.Context(), loanID, userID, amount)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newScenarioResponse(scenario)).Write(w)
}

func (s *Server) handleRecalculateTerms(w http.ResponseWriter, r *http.Request, userID string) {
	updated, err := s.service.RecalculateRemainingTerms(r.Context(), userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(map[string]int{"updated": updated}).Write(w)
}
