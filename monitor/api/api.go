/*
Package api is the REST collaborator surface of the monitoring platform:
login and token refresh, device lists, latest readings, bounded reading
history and recent alerts. The realtime stream carries the live updates;
this API serves the snapshots a dashboard seeds itself from.
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
	"github.com/SidA7MD/iset-sub000/monitor/store"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

// RecordStore is the slice of the record store the REST surface needs.
type RecordStore interface {
	AccountByIdentity(ctx context.Context, identity string) (*monitor.Account, error)
	PasswordHashByIdentity(ctx context.Context, identity string) (string, error)
	SetPassword(ctx context.Context, identity string, hash string) error
	SaveAccount(ctx context.Context, account *monitor.Account) error
	AssignDevice(ctx context.Context, deviceID string, accountID uuid.UUID) error
	DevicesForAccount(ctx context.Context, account *monitor.Account) ([]monitor.Device, error)
	LatestReading(ctx context.Context, deviceID string) (*monitor.Reading, error)
	Readings(ctx context.Context, deviceID string, limit int) ([]monitor.Reading, error)
	RecentAlerts(ctx context.Context, deviceID string, limit int) ([]monitor.Alert, error)
}

// refreshGrace is how long after expiry a token is still accepted for refresh.
const refreshGrace = 24 * time.Hour

const defaultHistoryLimit = 100

// API is the REST surface.
type API struct {
	stor          RecordStore
	tokens        *token.Service
	authenticator *realtime.Authenticator
	broadcaster   *realtime.Broadcaster
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a gorilla mux router. This is mandatory.
	Router *mux.Router
	// Store is the record store. This is mandatory.
	Store RecordStore
	// Tokens is the token service. This is mandatory.
	Tokens *token.Service
	// Authenticator resolves bearer credentials to accounts. This is mandatory.
	Authenticator *realtime.Authenticator
	// Broadcaster notifies identities about assignment changes. This is mandatory.
	Broadcaster *realtime.Broadcaster
}

// MustNewAPI returns a new REST surface with its routes installed.
func MustNewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Tokens == nil {
		panic("Tokens is missing")
	}
	if b.Authenticator == nil {
		panic("Authenticator is missing")
	}
	if b.Broadcaster == nil {
		panic("Broadcaster is missing")
	}
	a := &API{
		stor:          b.Store,
		tokens:        b.Tokens,
		authenticator: b.Authenticator,
		broadcaster:   b.Broadcaster,
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("monitor api")
	rlog.Infoln("  handle route: /auth/login POST")
	rlog.Infoln("  handle route: /auth/refresh POST")
	rlog.Infoln("  handle route: /accounts POST")
	rlog.Infoln("  handle route: /devices GET")
	rlog.Infoln("  handle route: /devices/{device_id}/latest GET")
	rlog.Infoln("  handle route: /devices/{device_id}/readings GET")
	rlog.Infoln("  handle route: /devices/{device_id}/alerts GET")
	rlog.Infoln("  handle route: /devices/{device_id}/assignment PUT")

	router.HandleFunc("/auth/login", a.login).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", a.refresh).Methods(http.MethodPost)
	router.HandleFunc("/accounts", a.createAccount).Methods(http.MethodPost)
	router.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/latest", a.latestReading).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/readings", a.readings).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/alerts", a.alerts).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/assignment", a.assignDevice).Methods(http.MethodPut)
}

type credentialsRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var request credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	hash, err := a.stor.PasswordHashByIdentity(r.Context(), request.Identity)
	if err == store.ErrNotFound {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(request.Password)) != nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	account, err := a.stor.AccountByIdentity(r.Context(), request.Identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !account.Active {
		http.Error(w, "account is deactivated", http.StatusForbidden)
		return
	}
	a.writeToken(w, account)
}

type refreshRequest struct {
	Token string `json:"token"`
}

// refresh re-issues a token. The old token may already be expired, but the
// signature must verify, the grace period must not have passed and the
// account must still exist and be active.
func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var request refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	claims, err := a.tokens.ClaimsAllowingExpired(request.Token, refreshGrace)
	if err != nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	account, err := a.stor.AccountByIdentity(r.Context(), claims.Identity)
	if err == store.ErrNotFound {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !account.Active {
		http.Error(w, "account is deactivated", http.StatusForbidden)
		return
	}
	a.writeToken(w, account)
}

func (a *API) writeToken(w http.ResponseWriter, account *monitor.Account) {
	signed, err := a.tokens.Issue(account.Identity, account.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(tokenResponse{
		Token:    signed,
		Identity: account.Identity,
		Role:     account.Role,
	}, "", " ")
	w.Write(jsonData)
}

type createAccountRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if caller.Role != monitor.RoleAdmin {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	var request createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(request.Identity) == 0 || len(request.Password) == 0 {
		http.Error(w, "identity and password are required", http.StatusBadRequest)
		return
	}
	role := request.Role
	if len(role) == 0 {
		role = monitor.RoleUser
	}
	if role != monitor.RoleAdmin && role != monitor.RoleUser {
		http.Error(w, "illegal role", http.StatusBadRequest)
		return
	}
	account := monitor.Account{
		AccountID: uuid.New(),
		Identity:  request.Identity,
		Role:      role,
		Active:    true,
	}
	if err := a.stor.SaveAccount(r.Context(), &account); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.stor.SetPassword(r.Context(), request.Identity, string(hash)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	jsonData, _ := json.MarshalIndent(account, "", " ")
	w.Write(jsonData)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	account, ok := a.authorize(w, r)
	if !ok {
		return
	}
	devices, err := a.stor.DevicesForAccount(r.Context(), account)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(devices, "", " ")
	w.Write(jsonData)
}

func (a *API) latestReading(w http.ResponseWriter, r *http.Request) {
	account, ok := a.authorize(w, r)
	if !ok {
		return
	}
	deviceID, ok := a.deviceInScope(w, r, account)
	if !ok {
		return
	}
	reading, err := a.stor.LatestReading(r.Context(), deviceID)
	if err == store.ErrNotFound {
		http.Error(w, "no readings for device", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(reading, "", " ")
	w.Write(jsonData)
}

func (a *API) readings(w http.ResponseWriter, r *http.Request) {
	account, ok := a.authorize(w, r)
	if !ok {
		return
	}
	deviceID, ok := a.deviceInScope(w, r, account)
	if !ok {
		return
	}
	limit, ok := a.limitParameter(w, r)
	if !ok {
		return
	}
	readings, err := a.stor.Readings(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(readings, "", " ")
	w.Write(jsonData)
}

func (a *API) alerts(w http.ResponseWriter, r *http.Request) {
	account, ok := a.authorize(w, r)
	if !ok {
		return
	}
	deviceID, ok := a.deviceInScope(w, r, account)
	if !ok {
		return
	}
	limit, ok := a.limitParameter(w, r)
	if !ok {
		return
	}
	alerts, err := a.stor.RecentAlerts(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(alerts, "", " ")
	w.Write(jsonData)
}

type assignmentRequest struct {
	Identity string `json:"identity"`
}

// assignDevice puts a device into an account's scope and notifies the
// identity over its open realtime connections. Admin only.
func (a *API) assignDevice(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if caller.Role != monitor.RoleAdmin {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	deviceID := mux.Vars(r)["device_id"]
	var request assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	account, err := a.stor.AccountByIdentity(r.Context(), request.Identity)
	if err == store.ErrNotFound {
		http.Error(w, "no such account", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.stor.AssignDevice(r.Context(), deviceID, account.AccountID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// the scope on the account record has changed, re-read it for the event
	account, err = a.stor.AccountByIdentity(r.Context(), request.Identity)
	if err == nil {
		devices, derr := a.stor.DevicesForAccount(r.Context(), account)
		if derr == nil {
			a.broadcaster.NotifyIdentity(r.Context(), account.AccountID.String(), realtime.AssignedEvent{
				Devices:   devices,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize resolves the bearer token of the request to an account. On
// failure it writes the response itself and returns false.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (*monitor.Account, bool) {
	account, err := a.authenticator.Authenticate(r.Context(), realtime.CredentialFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return account, true
}

// deviceInScope extracts the device id route parameter and checks that the
// account may see it. Admins see every device.
func (a *API) deviceInScope(w http.ResponseWriter, r *http.Request, account *monitor.Account) (string, bool) {
	deviceID := mux.Vars(r)["device_id"]
	if account.Role == monitor.RoleAdmin {
		return deviceID, true
	}
	for _, id := range account.DeviceIDs {
		if id == deviceID {
			return deviceID, true
		}
	}
	http.Error(w, "not authorized", http.StatusUnauthorized)
	return "", false
}

func (a *API) limitParameter(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultHistoryLimit
	if value := r.URL.Query().Get("limit"); len(value) > 0 {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			http.Error(w, "illegal limit", http.StatusBadRequest)
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}
