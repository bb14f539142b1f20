// Package httpapi exposes the pairing, verification and sync engines over a
// JSON REST surface. Handlers stay thin: decode, delegate to a service,
// translate sentinel errors to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/logging"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/services"
	"github.com/go-chi/chi/v5"
)

// DeviceManager is the slice of DeviceService the REST surface needs.
type DeviceManager interface {
	Register(ctx context.Context, userID, name, class string, syncEnabled bool,
		categories models.SyncCategories) (*models.Device, error)
	List(ctx context.Context, userID string) ([]*models.Device, error)
	Delete(ctx context.Context, userID, id string) error
}

// Verifier issues and checks device verification codes.
type Verifier interface {
	IssueCode(ctx context.Context, userID, deviceID string) (time.Time, error)
	ResendCode(ctx context.Context, userID, deviceID string) (time.Time, error)
	CheckCode(ctx context.Context, userID, deviceID, code string) error
}

// Pairer manages pairing sessions.
type Pairer interface {
	GenerateSession(ctx context.Context, userID, passType string, payload map[string]string,
		ttlSeconds int) (*services.GeneratedSession, error)
	GetStatus(ctx context.Context, userID, id string) (*models.PairingSession, models.PairingStatus, error)
	Resolve(ctx context.Context, id string, claimedData map[string]string) (map[string]string, error)
	Cancel(ctx context.Context, userID, id string) error
	QRImage(ctx context.Context, userID, id string) ([]byte, error)
}

// Syncer manages sync runs.
type Syncer interface {
	Initiate(ctx context.Context, userID, deviceID, trigger string, categories []string) (*models.SyncRun, error)
	GetRun(ctx context.Context, userID, runID string) (*models.SyncRun, error)
	ListRuns(ctx context.Context, userID, deviceID string, limit int) ([]*models.SyncRun, error)
	ResolveConflict(ctx context.Context, userID, runID string, idx int, resolution string) (*models.Conflict, error)
	Cancel(ctx context.Context, userID, runID string) error
}

var (
	_ DeviceManager = (*services.DeviceService)(nil)
	_ Verifier      = (*services.VerificationService)(nil)
	_ Pairer        = (*services.PairingService)(nil)
	_ Syncer        = (*services.SyncService)(nil)
)

// Handler bundles the service dependencies of the REST surface.
type Handler struct {
	devices      DeviceManager
	verification Verifier
	pairing      Pairer
	sync         Syncer
	logger       logging.Logger
}

// NewHandler constructs a Handler.
func NewHandler(devices DeviceManager, verification Verifier,
	pairing Pairer, sync Syncer, logger logging.Logger) *Handler {
	return &Handler{
		devices:      devices,
		verification: verification,
		pairing:      pairing,
		sync:         sync,
		logger:       logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.logger.Error(context.Background(), "response encode failed", "error", err.Error())
		}
	}
}

// writeError translates service sentinels into HTTP status codes. Anything
// unrecognized is a 500 with a generic body; the detail stays in the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "gone"})
	case errors.Is(err, common.ErrorValidation),
		errors.Is(err, common.ErrUnknownDataType),
		errors.Is(err, common.ErrCategoryNotEnabled),
		errors.Is(err, common.ErrSyncDisabled),
		errors.Is(err, common.ErrDeviceNotVerified),
		errors.Is(err, common.ErrNoActiveCode):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken):
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, common.ErrAlreadyResolved), errors.Is(err, common.ErrAlreadyTerminal),
		errors.Is(err, common.ErrConflictResolved):
		h.logger.Info(r.Context(), "conflicting request", "path", r.URL.Path, "error", err.Error())
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, common.ErrSessionExpired), errors.Is(err, common.ErrCodeExpired):
		h.writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	case errors.Is(err, common.ErrLockedOut):
		h.writeJSON(w, http.StatusLocked, errorResponse{Error: err.Error()})
	case errors.Is(err, common.ErrCodeMismatch):
		h.writeJSON(w, http.StatusUnprocessableEntity, checkResponse{Success: false, Message: err.Error()})
	default:
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return common.ErrorValidation
	}
	return nil
}

// --- devices ---

type syncCategoriesDTO struct {
	Passwords bool `json:"passwords"`
	Documents bool `json:"documents"`
	Settings  bool `json:"settings"`
	Notes     bool `json:"notes"`
}

type registerDeviceRequest struct {
	Name           string            `json:"name"`
	Class          string            `json:"class"`
	SyncEnabled    bool              `json:"syncEnabled"`
	SyncCategories syncCategoriesDTO `json:"syncCategories"`
}

type deviceResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Class          string            `json:"class"`
	Trusted        bool              `json:"trusted"`
	Verified       bool              `json:"verified"`
	SyncEnabled    bool              `json:"syncEnabled"`
	SyncCategories syncCategoriesDTO `json:"syncCategories"`
	LastActiveAt   time.Time         `json:"lastActiveAt"`
	LastSyncedAt   *time.Time        `json:"lastSyncedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func toDeviceResponse(d *models.Device) deviceResponse {
	return deviceResponse{
		ID:       d.ID,
		Name:     d.Name,
		Class:    string(d.Class),
		Trusted:  d.Trusted,
		Verified: d.Verified,
		SyncCategories: syncCategoriesDTO{
			Passwords: d.SyncCategories.Passwords,
			Documents: d.SyncCategories.Documents,
			Settings:  d.SyncCategories.Settings,
			Notes:     d.SyncCategories.Notes,
		},
		SyncEnabled:  d.SyncEnabled,
		LastActiveAt: d.LastActiveAt,
		LastSyncedAt: d.LastSyncedAt,
		CreatedAt:    d.CreatedAt,
	}
}

func (h *Handler) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	device, err := h.devices.Register(r.Context(), UserID(r.Context()), req.Name, req.Class,
		req.SyncEnabled, models.SyncCategories{
			Passwords: req.SyncCategories.Passwords,
			Documents: req.SyncCategories.Documents,
			Settings:  req.SyncCategories.Settings,
			Notes:     req.SyncCategories.Notes,
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toDeviceResponse(device))
}

func (h *Handler) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	out, err := h.devices.List(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]deviceResponse, 0, len(out))
	for _, d := range out {
		resp = append(resp, toDeviceResponse(d))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	err := h.devices.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- verification ---

type issueResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type checkRequest struct {
	Code string `json:"code"`
}

type checkResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) handleVerificationIssue(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := h.verification.IssueCode(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, issueResponse{ExpiresAt: expiresAt})
}

func (h *Handler) handleVerificationResend(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := h.verification.ResendCode(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, issueResponse{ExpiresAt: expiresAt})
}

func (h *Handler) handleVerificationCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := h.verification.CheckCode(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, checkResponse{Success: true, Message: "device verified"})
}

// --- pairing ---

type createSessionRequest struct {
	PassType   string            `json:"passType"`
	Payload    map[string]string `json:"payload"`
	TTLSeconds int               `json:"ttlSeconds"`
}

type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	QRPayload string    `json:"qrPayload"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sessionStatusResponse struct {
	SessionID  string            `json:"sessionId"`
	Status     string            `json:"status"`
	PassType   string            `json:"passType"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Resolution map[string]string `json:"resolution,omitempty"`
}

type resolveRequest struct {
	ClaimedData map[string]string `json:"claimedData"`
}

type resolveResponse struct {
	Resolution map[string]string `json:"resolution"`
}

func (h *Handler) handlePairingCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	gs, err := h.pairing.GenerateSession(r.Context(), UserID(r.Context()), req.PassType, req.Payload, req.TTLSeconds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: gs.SessionID,
		QRPayload: gs.QRPayload,
		ExpiresAt: gs.ExpiresAt,
	})
}

func (h *Handler) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	session, status, err := h.pairing.GetStatus(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := sessionStatusResponse{
		SessionID: session.ID,
		Status:    string(status),
		PassType:  session.PassType,
		ExpiresAt: session.ExpiresAt,
	}
	if status == models.PairingResolved {
		resp.Resolution = session.Resolution
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	png, err := h.pairing.QRImage(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.logger.Error(r.Context(), "qr write failed", "error", err.Error())
	}
}

func (h *Handler) handlePairingResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resolution, err := h.pairing.Resolve(r.Context(), chi.URLParam(r, "id"), req.ClaimedData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resolveResponse{Resolution: resolution})
}

func (h *Handler) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	err := h.pairing.Cancel(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sync runs ---

type initiateRunRequest struct {
	DeviceID  string   `json:"deviceId"`
	Trigger   string   `json:"trigger"`
	DataTypes []string `json:"dataTypes"`
}

type conflictResponse struct {
	Index      int        `json:"index"`
	ItemType   string     `json:"itemType"`
	ItemID     string     `json:"itemId"`
	Kind       string     `json:"kind"`
	Resolution *string    `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

type runErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type runResponse struct {
	ID          string             `json:"id"`
	DeviceID    string             `json:"deviceId"`
	Trigger     string             `json:"trigger"`
	Status      string             `json:"status"`
	DataTypes   []string           `json:"dataTypes"`
	Counts      map[string]int64   `json:"counts,omitempty"`
	TotalItems  int64              `json:"totalItems"`
	TotalBytes  int64              `json:"totalBytes"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	DurationMS  int64              `json:"durationMs"`
	Error       *runErrorResponse  `json:"error,omitempty"`
	Conflicts   []conflictResponse `json:"conflicts,omitempty"`
}

func toRunResponse(run *models.SyncRun) runResponse {
	resp := runResponse{
		ID:         run.ID,
		DeviceID:   run.DeviceID,
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		TotalItems: run.TotalItems,
		TotalBytes: run.TotalBytes,
		StartedAt:  run.StartedAt,
		DurationMS: run.Duration().Milliseconds(),
	}
	for _, c := range run.Categories {
		resp.DataTypes = append(resp.DataTypes, string(c))
	}
	if len(run.Counts) > 0 {
		resp.Counts = map[string]int64{}
		for cat, n := range run.Counts {
			resp.Counts[string(cat)] = n
		}
	}
	resp.CompletedAt = run.CompletedAt
	if run.Error != nil {
		resp.Error = &runErrorResponse{Code: run.Error.Code, Message: run.Error.Message}
	}
	for _, c := range run.Conflicts {
		resp.Conflicts = append(resp.Conflicts, toConflictResponse(c))
	}
	return resp
}

func toConflictResponse(c models.Conflict) conflictResponse {
	out := conflictResponse{
		Index:      c.Idx,
		ItemType:   string(c.ItemType),
		ItemID:     c.ItemID,
		Kind:       string(c.Kind),
		ResolvedAt: c.ResolvedAt,
	}
	if c.Resolution != nil {
		s := string(*c.Resolution)
		out.Resolution = &s
	}
	return out
}

func (h *Handler) handleRunInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRunRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	run, err := h.sync.Initiate(r.Context(), UserID(r.Context()), req.DeviceID, req.Trigger, req.DataTypes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (h *Handler) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.sync.GetRun(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.sync.ListRuns(r.Context(), UserID(r.Context()), r.URL.Query().Get("deviceId"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type resolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, common.ErrorValidation)
		return
	}

	var req resolveConflictRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.sync.ResolveConflict(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), idx, req.Resolution)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toConflictResponse(*c))
}

func (h *Handler) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	err := h.sync.Cancel(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
