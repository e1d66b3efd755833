package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offline-sync-service/internal/media"
	"offline-sync-service/internal/recovery"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

type Handler struct {
	engine   *sync.Engine
	store    store.Store
	recovery *recovery.System
	media    *media.Manager
}

func NewHandler(engine *sync.Engine, st store.Store, rec *recovery.System, med *media.Manager) *Handler {
	return &Handler{
		engine:   engine,
		store:    st,
		recovery: rec,
		media:    med,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/records", h.StoreRecord)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.SyncStatus)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{conflictID}/resolve", h.ResolveConflict)

		r.Post("/recovery/device-failure", h.RecoverDevice)
		r.Post("/recovery/checkpoint", h.CreateCheckpoint)
		r.Post("/recovery/emergency-save", h.EmergencySave)

		r.Post("/media/photos", h.StorePhoto)
		r.Post("/media/voice", h.StoreVoice)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type storeRecordRequest struct {
	RecordType     string                 `json:"record_type"`
	Data           map[string]interface{} `json:"data"`
	WorkerID       string                 `json:"worker_id"`
	DeviceID       string                 `json:"device_id"`
	ParentRecordID string                 `json:"parent_record_id,omitempty"`
	Operation      string                 `json:"operation,omitempty"`
}

func (h *Handler) StoreRecord(w http.ResponseWriter, r *http.Request) {
	var req storeRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RecordType == "" || req.WorkerID == "" || req.DeviceID == "" {
		http.Error(w, "record_type, worker_id and device_id are required", http.StatusBadRequest)
		return
	}

	recordID, err := h.engine.StoreOfflineRecord(r.Context(), req.RecordType, req.Data,
		req.WorkerID, req.DeviceID, req.ParentRecordID, req.Operation)
	if err != nil {
		// Storage failures must surface immediately; the caller's work item
		// was not saved.
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"record_id": recordID})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.SyncWhenOnline(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.engine.OfflineStatus(r.Context(), deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.store.ListUnresolvedConflicts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveConflictRequest struct {
	Strategy   string `json:"strategy"`
	ResolvedBy string `json:"resolved_by"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "conflictID")

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}

	err := h.engine.Conflicts().Resolve(r.Context(), conflictID, req.Strategy, req.ResolvedBy)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type recoverDeviceRequest struct {
	OldDeviceID string `json:"old_device_id"`
	NewDeviceID string `json:"new_device_id"`
	WorkerID    string `json:"worker_id"`
}

func (h *Handler) RecoverDevice(w http.ResponseWriter, r *http.Request) {
	var req recoverDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OldDeviceID == "" || req.NewDeviceID == "" {
		http.Error(w, "old_device_id and new_device_id are required", http.StatusBadRequest)
		return
	}

	report, err := h.recovery.RecoverFromDeviceFailure(r.Context(), req.OldDeviceID, req.NewDeviceID, req.WorkerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type checkpointRequest struct {
	WorkerID string                 `json:"worker_id"`
	Data     map[string]interface{} `json:"data"`
}

func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cp, err := h.recovery.CreateRecoveryCheckpoint(req.WorkerID, req.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

type emergencySaveRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) EmergencySave(w http.ResponseWriter, r *http.Request) {
	var req emergencySaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "MANUAL"
	}

	path, err := h.recovery.EmergencySave(r.Context(), req.Reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "artifact": path})
}

type storePhotoRequest struct {
	Photo    string `json:"photo"` // base64
	RecordID string `json:"record_id"`
	WorkerID string `json:"worker_id"`
	DeviceID string `json:"device_id"`
}

func (h *Handler) StorePhoto(w http.ResponseWriter, r *http.Request) {
	var req storePhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Photo)
	if err != nil {
		http.Error(w, "photo must be base64 encoded", http.StatusBadRequest)
		return
	}

	photoID, err := h.media.StorePhoto(r.Context(), payload, req.RecordID, req.WorkerID, req.DeviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"photo_id": photoID})
}

type storeVoiceRequest struct {
	Audio      string `json:"audio"` // base64
	WorkerID   string `json:"worker_id"`
	DeviceID   string `json:"device_id"`
	Transcript string `json:"transcript,omitempty"`
}

func (h *Handler) StoreVoice(w http.ResponseWriter, r *http.Request) {
	var req storeVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		http.Error(w, "audio must be base64 encoded", http.StatusBadRequest)
		return
	}

	voiceID, err := h.media.StoreVoice(r.Context(), payload, req.WorkerID, req.DeviceID, req.Transcript)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"voice_id": voiceID})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}
