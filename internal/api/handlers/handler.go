// handler.go — APIHandler собирает доменные handlers в один объект,
// который server монтирует на маршруты.
package handlers

import "net/http"

// APIHandler — единая реализация всех endpoints станции приёмки.
type APIHandler struct {
	scans       *ScansHandler
	history     *HistoryHandler
	artifacts   *ArtifactsHandler
	system      *SystemHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	scans *ScansHandler,
	history *HistoryHandler,
	artifacts *ArtifactsHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		scans:       scans,
		history:     history,
		artifacts:   artifacts,
		system:      system,
		maintenance: maintenance,
		health:      health,
	}
}

// --- Scans ---

func (h *APIHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	h.scans.SubmitScan(w, r)
}

func (h *APIHandler) SubmitFrame(w http.ResponseWriter, r *http.Request) {
	h.scans.SubmitFrame(w, r)
}

// --- History ---

func (h *APIHandler) ListDays(w http.ResponseWriter, r *http.Request) {
	h.history.ListDays(w, r)
}

func (h *APIHandler) GetDayHistory(w http.ResponseWriter, r *http.Request) {
	h.history.GetDayHistory(w, r)
}

func (h *APIHandler) SearchHistory(w http.ResponseWriter, r *http.Request) {
	h.history.SearchHistory(w, r)
}

// --- Artifacts ---

func (h *APIHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	h.artifacts.ListArtifacts(w, r)
}

func (h *APIHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	h.artifacts.DownloadArtifact(w, r)
}

// --- Maintenance ---

func (h *APIHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.maintenance.Reconcile(w, r)
}

// --- System ---

func (h *APIHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	h.system.GetInfo(w, r)
}

// --- Health ---

func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// --- Metrics ---

func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}
