package http

import (
	"errors"
	"net/http"
)

func (s *Server) handleOverduePayments(w http.ResponseWriter, r *http.Request, userID string) {
	payments, err := s.service.GetOverduePayments(r.Context(), userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newPaymentList(payments)).Write(w)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request, userID string) {
	paymentID, err := pathUUID(r, "paymentID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	p, err := s.service.GetPayment(r.Context(), paymentID, userID)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newPaymentResponse(p)).Write(w)
}

// handleCancelPayment cancels a SCHEDULED payment owned by the caller. The body with
// a reason is optional.
func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request, userID string) {
	paymentID, err := pathUUID(r, "paymentID")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		FromError(r, err).Write(w)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		BadRequestError("reason is too long").Write(w)
		return
	}

	if _, err := s.service.GetPayment(r.Context(), paymentID, userID); err != nil {
		FromError(r, err).Write(w)
		return
	}
	cancelled, err := s.service.CancelScheduledPayment(r.Context(), paymentID, sanitizeInput(req.Reason))
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(newPaymentResponse(cancelled)).Write(w)
}
