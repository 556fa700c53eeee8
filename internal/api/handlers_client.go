package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/device"
)

// ClientHandler serves one-shot config delivery to end users. The config
// token in the URL is the only credential.
type ClientHandler struct {
	devices *device.Service
}

// NewClientHandler creates a client delivery handler.
func NewClientHandler(deviceService *device.Service) *ClientHandler {
	return &ClientHandler{devices: deviceService}
}

// GetConfig handles GET /api/v1/client/config/{token}: the profile as JSON.
func (h *ClientHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	profile, err := h.devices.Retrieve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// GetConfigRaw handles GET /api/v1/client/config/{token}/raw: plain
// wg-quick text for piping straight into a config file.
func (h *ClientHandler) GetConfigRaw(w http.ResponseWriter, r *http.Request) {
	profile, err := h.devices.Retrieve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(profile.Text))
}

// GetConfigQR handles GET /api/v1/client/config/{token}/qr: a PNG QR code
// of the profile text for mobile enrollment.
func (h *ClientHandler) GetConfigQR(w http.ResponseWriter, r *http.Request) {
	profile, err := h.devices.Retrieve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleError(w, err)
		return
	}
	png, err := device.QR(profile.Text)
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
