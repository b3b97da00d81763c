package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/oauthsession"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/store"
)

const accountKindOAuth = store.CredentialOAuth

func credentialKindFromString(s string) store.CredentialKind {
	if s == "apikey" {
		return store.CredentialAPIKey
	}
	return store.CredentialOAuth
}

// AdminAPI is the non-UI operator surface: accounts are created and
// destroyed externally per spec.md §3's Lifecycle note, and this is the
// boundary that external surface calls into. No authentication layer is
// added here — spec.md §1 scopes out the HTTP framework and any admin
// auth scheme; deployments are expected to put this behind their own
// network boundary or reverse proxy.
type AdminAPI struct {
	accounts   *account.AccountStore
	oauth      *oauthsession.Store
	registry   *provider.Registry
	bus        *events.Bus
	logHandler *events.LogHandler
}

func NewAdminAPI(accounts *account.AccountStore, oauth *oauthsession.Store, registry *provider.Registry, bus *events.Bus, logHandler *events.LogHandler) *AdminAPI {
	return &AdminAPI{accounts: accounts, oauth: oauth, registry: registry, bus: bus, logHandler: logHandler}
}

func (a *AdminAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/accounts", a.handleListAccounts)
	mux.HandleFunc("POST /admin/accounts", a.handleCreateAccount)
	mux.HandleFunc("GET /admin/accounts/{id}", a.handleGetAccount)
	mux.HandleFunc("DELETE /admin/accounts/{id}", a.handleDeleteAccount)

	mux.HandleFunc("POST /admin/oauth/begin", a.handleOAuthBegin)
	mux.HandleFunc("POST /admin/oauth/exchange", a.handleOAuthExchange)

	mux.HandleFunc("GET /admin/events", a.handleEvents)
}

// handleEvents streams the bus's dispatch/refresh/rate-limit events and
// the process's recent log lines over one SSE connection, replaying the
// ring buffers for catch-up before switching to live delivery.
func (a *AdminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	eventID, eventCh, recentEvents := a.bus.Subscribe()
	defer a.bus.Unsubscribe(eventID)
	for _, e := range recentEvents {
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
	}

	logID, logCh, recentLogs := a.logHandler.Subscribe()
	defer a.logHandler.Unsubscribe(logID)
	for _, l := range recentLogs {
		data, _ := json.Marshal(l)
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
			flusher.Flush()
		case l, ok := <-logCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(l)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (a *AdminAPI) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := a.accounts.ListAll(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	views := make([]accountView, 0, len(accts))
	for _, acct := range accts {
		views = append(views, toAccountView(acct))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *AdminAPI) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acct, err := a.accounts.FindByID(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "no such account")
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(acct))
}

func (a *AdminAPI) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		Provider       string `json:"provider"`
		CredentialKind string `json:"credentialKind"`
		RefreshToken   string `json:"refreshToken"`
		APIKey         string `json:"apiKey"`
		Priority       int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	kind := credentialKindFromString(req.CredentialKind)
	acct, err := a.accounts.Create(r.Context(), req.Name, req.Provider, kind, req.RefreshToken, req.APIKey, req.Priority)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAccountView(acct))
}

func (a *AdminAPI) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.accounts.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOAuthBegin starts a PKCE authorization session and returns the
// values needed to build the provider's authorization URL.
func (a *AdminAPI) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountName string `json:"accountName"`
		Provider    string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	state, challenge, _, err := a.oauth.Begin(r.Context(), req.AccountName, req.Provider)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state":         state,
		"codeChallenge": challenge,
	})
}

// handleOAuthExchange consumes a pending session and creates an OAuth
// account from the refresh token supplied in the request body. No
// authorization-code exchange with the provider is made, and the
// session's PKCE verifier is not used.
func (a *AdminAPI) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State        string `json:"state"`
		RefreshToken string `json:"refreshToken"`
		Priority     int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	sess, err := a.oauth.Consume(r.Context(), req.State)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	acct, err := a.accounts.Create(r.Context(), sess.AccountName, sess.Provider, accountKindOAuth, req.RefreshToken, "", req.Priority)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAccountView(acct))
}

type accountView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Tier        string `json:"tier,omitempty"`
	Paused      bool   `json:"paused"`
	Priority    int    `json:"priority"`
	RequestCnt  int64  `json:"requestCount"`
	LastUsedMs  int64  `json:"lastUsedMs,omitempty"`
	StatusLabel string `json:"statusLabel,omitempty"`
}

func toAccountView(a *account.Account) accountView {
	return accountView{
		ID:          a.ID,
		Name:        a.Name,
		Provider:    a.Provider,
		Tier:        string(a.Tier),
		Paused:      a.Paused,
		Priority:    a.Priority,
		RequestCnt:  a.RequestCount,
		LastUsedMs:  a.LastUsedMs,
		StatusLabel: a.StatusLabel,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, msg)
}
