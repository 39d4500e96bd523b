package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/logger"
)

type submitFlyerRequest struct {
	SourceUrl string `json:"sourceUrl"`
}

type approveItemRequest struct {
	CandidateId string `json:"candidateId"`
}

func (s *Server) HandleSubmitFlyer(w http.ResponseWriter, r *http.Request) {
	var req submitFlyerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	flyer, err := s.flyers.SubmitFlyer(r.Context(), req.SourceUrl)
	if err != nil {
		logger.Error("error submitting flyer", zap.String("sourceUrl", req.SourceUrl), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, flyer)
}

func (s *Server) HandleGetFlyer(w http.ResponseWriter, r *http.Request) {
	flyerId := mux.Vars(r)["id"]
	flyer, err := s.flyers.GetFlyer(r.Context(), flyerId)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, flyer)
}

func (s *Server) HandleListItems(w http.ResponseWriter, r *http.Request) {
	flyerId := mux.Vars(r)["id"]
	items, err := s.flyers.ListItems(r.Context(), flyerId)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, items)
}

func (s *Server) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	itemId := mux.Vars(r)["id"]
	item, err := s.flyers.GetItem(r.Context(), itemId)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}

func (s *Server) HandleApproveItem(w http.ResponseWriter, r *http.Request) {
	itemId := mux.Vars(r)["id"]
	var req approveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	if req.CandidateId == "" {
		respondWithError(w, http.StatusBadRequest, "candidateId is required")
		return
	}
	item, err := s.flyers.ApproveItem(r.Context(), itemId, req.CandidateId)
	if err != nil {
		logger.Error("error approving item", zap.String("itemId", itemId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}
